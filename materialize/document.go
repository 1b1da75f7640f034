// Package materialize builds the initial state of a document from its source
// file the first time the document is touched.
package materialize

import (
	"fmt"
	"path"
	"strings"

	"github.com/sharedcode/annostore"
)

// Document is the state document written for a fresh initial state. Stored
// revisions are read as raw bytes so that fields added by clients survive.
type Document struct {
	SchemaVersion int            `json:"schemaVersion"`
	Text          string         `json:"text"`
	Layers        []Layer        `json:"layers"`
	Annotations   []Annotation   `json:"annotations"`
	Metadata      map[string]any `json:"metadata"`
}

type Layer struct {
	Name string `json:"name"`
}

// Annotation covers the runes [Begin, End) of the document text.
type Annotation struct {
	ID       string         `json:"id"`
	Layer    string         `json:"layer"`
	Begin    int            `json:"begin"`
	End      int            `json:"end"`
	Features map[string]any `json:"features,omitempty"`
}

// DocumentRef names a document and its source file.
type DocumentRef struct {
	ProjectID  int64
	DocumentID int64
	// Name is the source file name under the document's source folder.
	Name string
	// Format selects the converter. Empty means infer from Name.
	Format string
}

// Key returns the initial-state key of the document.
func (r DocumentRef) Key() annostore.StorageKey {
	return annostore.InitialStateKey(r.ProjectID, r.DocumentID)
}

// Validate rejects refs that can't name a source file.
func (r DocumentRef) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if r.Name == "" || r.Name != path.Base(r.Name) || strings.HasPrefix(r.Name, ".") || strings.ContainsAny(r.Name, "\\\x00") {
		return annostore.Error{
			Code:     annostore.InvalidKey,
			Err:      fmt.Errorf("invalid source name %q", r.Name),
			UserData: r.Key(),
		}
	}
	return nil
}

func (r DocumentRef) format() string {
	if r.Format != "" {
		return r.Format
	}
	switch strings.ToLower(path.Ext(r.Name)) {
	case ".lines", ".tsv":
		return "textlines"
	}
	return "text"
}
