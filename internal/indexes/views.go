package indexes

import "inkwell/internal/couch"

// View is one secondary index definition: a pure map function from a document
// to zero-or-one emitted pair, plus an optional built-in reduce.
type View struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// DesignDoc is the versioned per-database document holding the snapshot view
// definitions.
type DesignDoc struct {
	ID       string          `json:"_id"`
	Rev      string          `json:"_rev,omitempty"`
	Language string          `json:"language"`
	Views    map[string]View `json:"views"`
}

// View names used by the retention manager.
const (
	ViewByExpiration   = "by_expiration"
	ViewByStoryAndDate = "by_story_and_date"
	ViewByTier         = "by_tier"
)

const mapByExpiration = `function (doc) {
  if (doc.type === 'story-snapshot' && doc.expiresAt) {
    emit(doc.expiresAt, doc.storyId);
  }
}`

const mapByStoryAndDate = `function (doc) {
  if (doc.type === 'story-snapshot') {
    emit([doc.storyId, doc.createdAt], {
      tier: doc.retentionTier,
      wordCount: doc.metadata && doc.metadata.wordCount
    });
  }
}`

const mapByTier = `function (doc) {
  if (doc.type === 'story-snapshot') {
    emit([doc.retentionTier, doc.createdAt], doc.storyId);
  }
}`

// DesiredDesignDoc returns the definition set every tenant database must
// carry. The definitions are a fixed compiled-in value, compared structurally
// against the stored document rather than executed; the store's query engine
// runs the projections.
func DesiredDesignDoc() DesignDoc {
	return DesignDoc{
		ID:       couch.DesignDocID,
		Language: "javascript",
		Views: map[string]View{
			ViewByExpiration:   {Map: mapByExpiration},
			ViewByStoryAndDate: {Map: mapByStoryAndDate},
			ViewByTier:         {Map: mapByTier, Reduce: "_count"},
		},
	}
}

// Equal reports whether two design documents define the same indexes,
// ignoring the revision token.
func Equal(a, b DesignDoc) bool {
	if a.Language != b.Language || len(a.Views) != len(b.Views) {
		return false
	}
	for name, view := range a.Views {
		if b.Views[name] != view {
			return false
		}
	}
	return true
}
