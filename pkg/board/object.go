// Package board holds the shape model shared by every replica. The sync engine only cares about Object.ID;
// everything else travels as an opaque JSON value.
package board

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeSticky Type = "sticky"
	TypeRect   Type = "rect"
	TypeCircle Type = "circle"
	TypeText   Type = "text"
	TypeFrame  Type = "frame"
	TypeLine   Type = "line"
)

var ErrInvalidObject = errors.New("invalid board object")

func (t Type) Valid() bool {
	switch t {
	case TypeSticky, TypeRect, TypeCircle, TypeText, TypeFrame, TypeLine:
		return true
	}
	return false
}

// Object is a single shape on the board.
type Object struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Width    float64   `json:"width,omitempty"`
	Height   float64   `json:"height,omitempty"`
	Fill     string    `json:"fill,omitempty"`
	Stroke   string    `json:"stroke,omitempty"`
	Text     string    `json:"text,omitempty"`
	FontSize float64   `json:"fontSize,omitempty"`
	Rotation float64   `json:"rotation,omitempty"`
	Points   []float64 `json:"points,omitempty"`
	FromID   string    `json:"fromId,omitempty"`
	ToID     string    `json:"toId,omitempty"`
	ParentID string    `json:"parentId,omitempty"`
}

func (o Object) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidObject)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidObject, o.Type)
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Type     *Type     `json:"type,omitempty"`
	X        *float64  `json:"x,omitempty"`
	Y        *float64  `json:"y,omitempty"`
	Width    *float64  `json:"width,omitempty"`
	Height   *float64  `json:"height,omitempty"`
	Fill     *string   `json:"fill,omitempty"`
	Stroke   *string   `json:"stroke,omitempty"`
	Text     *string   `json:"text,omitempty"`
	FontSize *float64  `json:"fontSize,omitempty"`
	Rotation *float64  `json:"rotation,omitempty"`
	Points   []float64 `json:"points,omitempty"`
	FromID   *string   `json:"fromId,omitempty"`
	ToID     *string   `json:"toId,omitempty"`
	ParentID *string   `json:"parentId,omitempty"`
}

// Apply returns a copy of o with the non-nil fields of p written over it. The id never changes.
func (o Object) Apply(p Patch) Object {
	out := o
	if p.Type != nil {
		out.Type = *p.Type
	}
	setFloat(&out.X, p.X)
	setFloat(&out.Y, p.Y)
	setFloat(&out.Width, p.Width)
	setFloat(&out.Height, p.Height)
	setFloat(&out.FontSize, p.FontSize)
	setFloat(&out.Rotation, p.Rotation)
	setString(&out.Fill, p.Fill)
	setString(&out.Stroke, p.Stroke)
	setString(&out.Text, p.Text)
	setString(&out.FromID, p.FromID)
	setString(&out.ToID, p.ToID)
	setString(&out.ParentID, p.ParentID)
	if p.Points != nil {
		out.Points = append([]float64(nil), p.Points...)
	}
	return out
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Marshal encodes the object as the opaque value stored under its id.
func Marshal(o Object) (string, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("failed to marshal object %s: %w", o.ID, err)
	}
	return string(raw), nil
}

func Unmarshal(raw string) (Object, error) {
	var o Object
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Object{}, fmt.Errorf("failed to unmarshal object: %w", err)
	}
	return o, nil
}

// Float, String and TypeOf build Patch fields inline.
func Float(v float64) *float64 { return &v }

func String(v string) *string { return &v }

func TypeOf(v Type) *Type { return &v }
