// Package transform flattens hierarchical XML report documents into records
// according to a fixed field-extraction plan.
//
// The document shape is fixed:
//
//	<root>
//	  <MessageHeader>…</MessageHeader>
//	  <MessagePayload>
//	    <RTO>
//	      <name>…</name>
//	      <REPORT_ITEM>…</REPORT_ITEM>   (repeated)
//	    </RTO>
//	  </MessagePayload>
//	</root>
//
// Each item yields one record merging header fields, container fields, the
// item's own fields and derived columns. Missing elements become nil. A
// derivation that fails is logged and stored as nil; it never aborts the
// document.
package transform

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/net/html/charset"
)

// ErrMalformed is returned for documents that cannot be parsed or lack the
// fixed payload hierarchy. Callers skip such documents.
var ErrMalformed = errors.New("transform: malformed document")

// Record is one flat row: column name to string, int64 or nil.
type Record map[string]any

// Result is the outcome of transforming one document.
type Result struct {
	Records []Record
	// Skipped counts items dropped for missing required columns.
	Skipped int
	// Anomalies counts fields set to nil because derivation failed.
	Anomalies int
}

// Transformer applies one Plan to documents.
type Transformer struct {
	plan   Plan
	logger *slog.Logger
}

// New creates a Transformer. Empty hierarchy names take the OASIS defaults.
func New(plan Plan, logger *slog.Logger) *Transformer {
	plan.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{plan: plan, logger: logger}
}

// Plan returns the plan in use.
func (t *Transformer) Plan() Plan { return t.plan }

// TransformFile opens path and transforms it.
func (t *Transformer) TransformFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transform: open %s: %w", path, err)
	}
	defer f.Close()
	res, err := t.transform(f, t.logger.With("document", path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// Transform parses one document and returns its records in document order.
func (t *Transformer) Transform(r io.Reader) (*Result, error) {
	return t.transform(r, t.logger)
}

func (t *Transformer) transform(r io.Reader, log *slog.Logger) (*Result, error) {
	root, err := parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	header := root.child(t.plan.HeaderElem)
	payload := root.child(t.plan.PayloadElem)
	if payload == nil {
		return nil, fmt.Errorf("%w: no <%s>", ErrMalformed, t.plan.PayloadElem)
	}
	container := payload.child(t.plan.ContainerElem)
	if container == nil {
		return nil, fmt.Errorf("%w: no <%s> in <%s>", ErrMalformed, t.plan.ContainerElem, t.plan.PayloadElem)
	}
	if header == nil {
		log.Warn("transform: document has no header, header fields will be null",
			"element", t.plan.HeaderElem)
	}

	// Header and container values are shared by every item.
	shared := make(Record)
	res := &Result{}
	for _, f := range t.plan.Fields {
		var n *node
		switch f.Scope {
		case Header:
			n = header.find(f.Element)
		case Container:
			n = container.child(f.Element)
		default:
			continue
		}
		shared[f.Column] = t.value(f, n, log, -1, res)
	}

	items := container.childrenNamed(t.plan.ItemElem)
	res.Records = make([]Record, 0, len(items))
	for i, item := range items {
		rec := make(Record, len(t.plan.Fields))
		for k, v := range shared {
			rec[k] = v
		}
		for _, f := range t.plan.Fields {
			if f.Scope == Item {
				rec[f.Column] = t.value(f, item.find(f.Element), log, i, res)
			}
		}
		if missing := t.missingRequired(rec); missing != "" {
			log.Warn("transform: item skipped, required column is null",
				"item", i, "column", missing)
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func (t *Transformer) value(f Field, n *node, log *slog.Logger, item int, res *Result) any {
	if n == nil {
		return nil
	}
	v, err := derive(f.Derive, n.text)
	if err != nil {
		log.Warn("transform: derivation failed, storing null",
			"item", item, "column", f.Column, "error", err)
		res.Anomalies++
		return nil
	}
	return v
}

func (t *Transformer) missingRequired(rec Record) string {
	for _, col := range t.plan.Required {
		if rec[col] == nil {
			return col
		}
	}
	return ""
}

// node is a minimal element tree: local name, trimmed character data, children.
type node struct {
	name     string
	text     string
	children []*node
}

func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *node) childrenNamed(name string) []*node {
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// find returns the first descendant named name in document order.
func (n *node) find(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
		if d := c.find(name); d != nil {
			return d
		}
	}
	return nil
}

func parse(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	// Reports are not always UTF-8 (ISO-8859-1 declarations are common).
	dec.CharsetReader = charset.NewReaderLabel
	var (
		root  *node
		stack []*node
		texts []*bytes.Buffer
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			n := &node{name: el.Name.Local}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
			texts = append(texts, &bytes.Buffer{})
		case xml.CharData:
			if len(texts) > 0 {
				texts[len(texts)-1].Write(el)
			}
		case xml.EndElement:
			top := stack[len(stack)-1]
			top.text = strings.TrimSpace(texts[len(texts)-1].String())
			stack = stack[:len(stack)-1]
			texts = texts[:len(texts)-1]
		}
	}
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unexpected end of document inside <%s>", stack[len(stack)-1].name)
	}
	return root, nil
}
