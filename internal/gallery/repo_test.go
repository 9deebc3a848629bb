package gallery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genstudio-backend/pkg/db/dbtest"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/pagination"
)

func TestAddIsOncePerPrediction(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()

	item := Item{UserID: "u1", Kind: enums.GenerationKindImage, PredictionID: "p1", Src: "https://cdn/p1.jpg", Prompt: "cat"}
	added, err := repo.Add(ctx, item)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.Add(ctx, item)
	require.NoError(t, err)
	assert.False(t, added)

	page, err := repo.List(ctx, "u1", enums.GenerationKindImage, pagination.Params{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "https://cdn/p1.jpg", page.Items[0].Src)
	assert.Empty(t, page.NextCursor)
}

func TestListNewestFirstByKind(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"v1", "v2"} {
		_, err := repo.Add(ctx, Item{UserID: "u1", Kind: enums.GenerationKindVideo, PredictionID: id, Src: "https://cdn/" + id, Prompt: "p", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := repo.Add(ctx, Item{UserID: "u1", Kind: enums.GenerationKindImage, PredictionID: "i1", Src: "https://cdn/i1", Prompt: "p"})
	require.NoError(t, err)

	page, err := repo.List(ctx, "u1", enums.GenerationKindVideo, pagination.Params{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "v2", page.Items[0].PredictionID)
	assert.Equal(t, "v1", page.Items[1].PredictionID)
}

func TestListPagesWithCursor(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		_, err := repo.Add(ctx, Item{UserID: "u1", Kind: enums.GenerationKindImage, PredictionID: id, Src: "https://cdn/" + id, Prompt: "p", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	first, err := repo.List(ctx, "u1", enums.GenerationKindImage, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "c", first.Items[0].PredictionID)
	assert.Equal(t, "b", first.Items[1].PredictionID)
	require.NotEmpty(t, first.NextCursor)

	second, err := repo.List(ctx, "u1", enums.GenerationKindImage, pagination.Params{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "a", second.Items[0].PredictionID)
	assert.Empty(t, second.NextCursor)
}

func TestAddValidation(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))

	_, err := repo.Add(context.Background(), Item{UserID: "u1", Kind: enums.GenerationKindImage, PredictionID: "p1"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = repo.List(context.Background(), "u1", "gif", pagination.Params{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = repo.List(context.Background(), "u1", enums.GenerationKindImage, pagination.Params{Cursor: "not-a-cursor"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
