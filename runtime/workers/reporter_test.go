package workers

import (
	"context"
	"log/slog"
	"talk-relay/domain"
	"talk-relay/mocks"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestReporterWorker_Summary(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	source := mocks.NewMockStatsSource(ctrl)

	// Given one busy room, one idle and one just created
	source.EXPECT().Stats(gomock.Any()).Return([]domain.RoomStats{
		{ID: "a", State: domain.RoomActive, Sessions: 2, Transcript: 10},
		{ID: "b", State: domain.RoomIdle, Transcript: 4},
		{ID: "c", State: domain.RoomEmpty},
	})

	// When the reporter summarizes
	s := NewReporterWorker(slog.Default(), source, time.Minute).Summary(context.Background())

	// Then
	req.Equal(3, s.Rooms)
	req.Equal(1, s.Active)
	req.Equal(2, s.Idle)
	req.Equal(2, s.Sessions)
	req.Equal(14, s.Events)
}
