// Package viz renders the change history of a board document as a graphviz DAG, one node per change.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Label describes the document as it was right after a change. The default prints the object count.
type Label func(docAt *automerge.Doc) string

func ObjectCount(docAt *automerge.Doc) string {
	return fmt.Sprintf("%d objects", docAt.RootMap().Len())
}

// ObjectValue prints the stored value of one object, or "-" while it does not exist.
func ObjectValue(id string) Label {
	return func(docAt *automerge.Doc) string {
		v, err := docAt.Path(id).Get()
		if err != nil || v.IsVoid() {
			return "-"
		}
		raw, err := automerge.As[string](v)
		if err != nil {
			return "?"
		}
		return raw
	}
}

func RenderHistory(doc *automerge.Doc, label Label, format graphviz.Format, w io.Writer) error {
	if label == nil {
		label = ObjectCount
	}
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], shortActor(change.ActorID()), change.ActorSeq(), label(docAt)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.FormatUint(atomic.AddUint64(&edgeCounter, 1), 10), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderSVG(doc *automerge.Doc, label Label, w io.Writer) error {
	return RenderHistory(doc, label, graphviz.SVG, w)
}

// RenderToTemp writes an SVG into the temp dir and returns its path.
func RenderToTemp(doc *automerge.Doc, label Label) (string, error) {
	var buff bytes.Buffer
	if err := RenderSVG(doc, label, &buff); err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("board-%d.svg", time.Now().UnixNano()))
	if err := os.WriteFile(tf, buff.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tf, err)
	}
	return tf, nil
}

func shortActor(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
