// Package kvtree implements the hierarchical string-keyed hash used as the
// wire format for every serialized object in this library: filemaps,
// redundancy descriptors, parity chunk headers, summary blobs, the
// flush-state record, and the async-flush transfer file (the index file is
// YAML, see internal/index). Every leaf value is a string;
// structure is expressed purely through nesting, matching the source
// library's single universal container.
package kvtree

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Tree is a node in the hierarchy: a set of named children, each of which
// is itself a Tree. A leaf is a Tree with no children and a non-empty Val.
type Tree struct {
	Val      string
	children map[string]*Tree
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{children: make(map[string]*Tree)}
}

// Set stores a string value at the node reached by the given path
// segments, creating intermediate nodes as needed.
func (t *Tree) Set(value string, path ...string) {
	node := t.child(true, path...)
	node.Val = value
}

// SetInt is a convenience wrapper around Set for integer values.
func (t *Tree) SetInt(value int64, path ...string) {
	t.Set(strconv.FormatInt(value, 10), path...)
}

// Get returns the string value at path, or ok=false if absent.
func (t *Tree) Get(path ...string) (string, bool) {
	node := t.child(false, path...)
	if node == nil || (node.Val == "" && len(node.children) > 0) {
		if node == nil {
			return "", false
		}
	}
	if node == nil {
		return "", false
	}
	return node.Val, true
}

// GetInt returns the integer value at path.
func (t *Tree) GetInt(path ...string) (int64, bool) {
	s, ok := t.Get(path...)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Sub returns the sub-tree at path, creating it if create is true. It
// returns nil if the path does not exist and create is false.
func (t *Tree) Sub(create bool, path ...string) *Tree {
	return t.child(create, path...)
}

// Unset removes the node (and its entire subtree) at path.
func (t *Tree) Unset(path ...string) {
	if len(path) == 0 {
		return
	}
	parent := t.child(false, path[:len(path)-1]...)
	if parent == nil {
		return
	}
	delete(parent.children, path[len(path)-1])
}

// Keys returns the immediate child keys of the node at path, sorted for
// deterministic iteration.
func (t *Tree) Keys(path ...string) []string {
	node := t.child(false, path...)
	if node == nil {
		return nil
	}
	keys := make([]string, 0, len(node.children))
	for k := range node.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge recursively merges other into t, with other's leaf values winning
// on conflict.
func (t *Tree) Merge(other *Tree) {
	if other == nil {
		return
	}
	if other.Val != "" {
		t.Val = other.Val
	}
	for k, child := range other.children {
		t.child(true, k).Merge(child)
	}
}

// Clone returns a deep copy of t.
func (t *Tree) Clone() *Tree {
	clone := &Tree{Val: t.Val, children: make(map[string]*Tree, len(t.children))}
	for k, v := range t.children {
		clone.children[k] = v.Clone()
	}
	return clone
}

func (t *Tree) child(create bool, path ...string) *Tree {
	node := t
	for _, key := range path {
		if node.children == nil {
			if !create {
				return nil
			}
			node.children = make(map[string]*Tree)
		}
		next, ok := node.children[key]
		if !ok {
			if !create {
				return nil
			}
			next = New()
			node.children[key] = next
		}
		node = next
	}
	return node
}

// WriteFile serializes t to path, replacing the previous file's contents
// with an atomic rename so a crash mid-write never leaves a truncated file
// visible under the final name (spec.md's filemap-persistence ordering
// invariant depends on this).
func WriteFile(path string, t *Tree) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "kvtree: create %s", tmp)
	}
	w := bufio.NewWriter(f)
	if err := encode(w, t, 0); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "kvtree: encode %s", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "kvtree: rename %s", path)
	}
	return nil
}

// ReadFile deserializes the tree previously written by WriteFile.
func ReadFile(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

// EncodeBytes serializes t to an in-memory byte slice, for embedding a
// tree inside another wire format (e.g. a parity chunk header) without
// round-tripping through a temporary file.
func EncodeBytes(t *Tree) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, t, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes is the inverse of EncodeBytes.
func DecodeBytes(data []byte) (*Tree, error) {
	return Decode(bufio.NewReader(bytes.NewReader(data)))
}

func encode(w io.Writer, t *Tree, depth int) error {
	keys := t.Keys()
	if _, err := fmt.Fprintf(w, "%d\n", len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		child := t.Sub(false, k)
		if _, err := fmt.Fprintf(w, "%s\n%s\n", k, child.Val); err != nil {
			return err
		}
		if err := encode(w, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses the wire format written by encode/WriteFile.
func Decode(r *bufio.Reader) (*Tree, error) {
	t := New()
	if err := decodeInto(r, t); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeInto(r *bufio.Reader, t *Tree) error {
	n, err := readLine(r)
	if err != nil {
		return err
	}
	count, err := strconv.Atoi(n)
	if err != nil {
		return errors.Wrap(err, "kvtree: corrupt child count")
	}
	for i := 0; i < count; i++ {
		key, err := readLine(r)
		if err != nil {
			return err
		}
		val, err := readLine(r)
		if err != nil {
			return err
		}
		child := t.child(true, key)
		child.Val = val
		if err := decodeInto(r, child); err != nil {
			return err
		}
	}
	return nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	return line, nil
}
