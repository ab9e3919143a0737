package retrieval

import (
	"context"
	"testing"
	"time"

	"gryag/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"emptyLeft", nil, []float32{1, 0}, 0},
		{"dimensionMismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zeroVector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, CosineSimilarity(tc.a, tc.b), 0.001)
		})
	}
}

// fakeEmbedder returns a fixed vector for every query.
type fakeEmbedder struct {
	vec []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func addTurn(t *testing.T, db *store.DB, id int64, text string, age time.Duration, emb []float32) {
	t.Helper()
	_, err := db.AddTurn(context.Background(), &store.Turn{
		ChatID:    1,
		MessageID: id,
		UserID:    7,
		Role:      store.RoleUser,
		Text:      text,
		Embedding: emb,
		Timestamp: time.Now().Add(-age).Unix(),
	})
	require.NoError(t, err)
}

func TestSearchKeywordLeg(t *testing.T) {
	db := testDB(t)
	addTurn(t, db, 1, "we argued about kubernetes upgrades", 3*time.Hour, nil)
	addTurn(t, db, 2, "lunch was good", 2*time.Hour, nil)
	addTurn(t, db, 3, "kubernetes again, the upgrade broke ingress", time.Hour, nil)

	r := NewRetriever(db, nil, Weights{Keyword: 1}, 7)
	results, err := r.Search(context.Background(), 1, "kubernetes upgrade", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Contains(t, res.Turn.Text, "kubernetes")
	}
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSearchSemanticLeg(t *testing.T) {
	db := testDB(t)
	addTurn(t, db, 1, "talked about music", 2*time.Hour, []float32{0, 1})
	addTurn(t, db, 2, "deployment discussion", time.Hour, []float32{1, 0})

	r := NewRetriever(db, &fakeEmbedder{vec: []float32{1, 0}}, Weights{Semantic: 1}, 7)
	results, err := r.Search(context.Background(), 1, "anything", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(2), results[0].Turn.MessageID)
}

func TestSearchTemporalOrdering(t *testing.T) {
	db := testDB(t)
	addTurn(t, db, 1, "oldest", 48*time.Hour, nil)
	addTurn(t, db, 2, "middle", 24*time.Hour, nil)
	addTurn(t, db, 3, "newest", time.Hour, nil)

	r := NewRetriever(db, nil, Weights{Temporal: 1}, 7)
	results, err := r.Search(context.Background(), 1, "nomatch", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(3), results[0].Turn.MessageID)
	assert.Equal(t, int64(2), results[1].Turn.MessageID)
	assert.Equal(t, int64(1), results[2].Turn.MessageID)
}

func TestSearchTieBreaksByRecency(t *testing.T) {
	db := testDB(t)
	// With zero weights every candidate fuses to the same score, so the
	// ordering falls entirely on the recency tie-break.
	addTurn(t, db, 1, "older", 10*time.Hour, nil)
	addTurn(t, db, 2, "newer", time.Hour, nil)

	r := NewRetriever(db, nil, Weights{}, 7)
	results, err := r.Search(context.Background(), 1, "x", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].Turn.MessageID)
	assert.Equal(t, int64(1), results[1].Turn.MessageID)
}

func TestSearchRespectsLimit(t *testing.T) {
	db := testDB(t)
	for i := int64(1); i <= 10; i++ {
		addTurn(t, db, i, "filler message", time.Duration(i)*time.Hour, nil)
	}

	r := NewRetriever(db, nil, Weights{Temporal: 1}, 7)
	results, err := r.Search(context.Background(), 1, "filler", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}
