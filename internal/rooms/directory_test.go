package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/umuteyi/movliqbot/internal/api"
)

type listerFunc func(ctx context.Context, token string) ([]api.Room, error)

func (f listerFunc) ListRooms(ctx context.Context, token string) ([]api.Room, error) {
	return f(ctx, token)
}

func ts(t time.Time) api.Timestamp { return api.Timestamp{Time: t} }

func TestListOpenRoomsFiltersAndDefaults(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	var gotToken string
	d := NewDirectory(listerFunc(func(_ context.Context, token string) ([]api.Room, error) {
		gotToken = token
		return []api.Room{
			{ID: 1, Name: "open", CreatedAt: ts(created), MaxParticipants: 4, Status: 1},
			{ID: 2, Name: "racing", Status: 2},
			{ID: 3, Name: "no capacity", Status: 1},
		}, nil
	}), Options{})

	open, err := d.ListOpenRooms(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, "tok", gotToken)
	require.Len(t, open, 2)
	require.Equal(t, int64(1), open[0].ID)
	require.Equal(t, 4, open[0].Capacity)
	require.Equal(t, created, open[0].CreatedAt)
	require.Equal(t, int64(3), open[1].ID)
	require.Equal(t, DefaultCapacity, open[1].Capacity)
	require.Equal(t, 3, d.Len())
}

func TestRecordsAreWriteOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	d := NewDirectory(listerFunc(func(context.Context, string) ([]api.Room, error) {
		calls++
		if calls == 1 {
			return []api.Room{{ID: 9, Name: "first", MaxParticipants: 3, Status: 1}}, nil
		}
		return []api.Room{{ID: 9, Name: "renamed", MaxParticipants: 10, Status: 1}}, nil
	}), Options{})

	_, err := d.ListOpenRooms(context.Background(), "tok")
	require.NoError(t, err)
	open, err := d.ListOpenRooms(context.Background(), "tok")
	require.NoError(t, err)

	require.Len(t, open, 1)
	require.Equal(t, "first", open[0].Name)
	require.Equal(t, 3, open[0].Capacity)
}

func TestDirectoryNeverShrinks(t *testing.T) {
	t.Parallel()

	calls := 0
	d := NewDirectory(listerFunc(func(context.Context, string) ([]api.Room, error) {
		calls++
		if calls == 1 {
			return []api.Room{{ID: 1, Status: 1}, {ID: 2, Status: 1}}, nil
		}
		return []api.Room{{ID: 2, Status: 1}}, nil
	}), Options{DefaultCapacity: 8})

	_, err := d.ListOpenRooms(context.Background(), "tok")
	require.NoError(t, err)
	open, err := d.ListOpenRooms(context.Background(), "tok")
	require.NoError(t, err)

	require.Len(t, open, 1)
	require.Equal(t, 2, d.Len())
	r, ok := d.Get(1)
	require.True(t, ok)
	require.Equal(t, 8, r.Capacity)
	require.Equal(t, []int64{1, 2}, []int64{d.All()[0].ID, d.All()[1].ID})
}

func TestListOpenRoomsError(t *testing.T) {
	t.Parallel()

	d := NewDirectory(listerFunc(func(context.Context, string) ([]api.Room, error) {
		return nil, api.ErrTransient
	}), Options{})

	_, err := d.ListOpenRooms(context.Background(), "tok")
	require.ErrorIs(t, err, api.ErrTransient)
	require.Equal(t, 0, d.Len())
}

func TestRoomAge(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	age, ok := Room{CreatedAt: now.Add(-time.Minute)}.Age(now)
	require.True(t, ok)
	require.Equal(t, time.Minute, age)

	_, ok = Room{}.Age(now)
	require.False(t, ok)
}
