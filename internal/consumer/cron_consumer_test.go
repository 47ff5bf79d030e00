package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCronConsumer_HourlyRunsRebuildAndCheckpoint(t *testing.T) {
	var rebuilds, checkpoints int
	c := NewCronConsumer(nil, MaintenanceTasks{
		RebuildProjections: func(context.Context) error { rebuilds++; return nil },
		CheckpointState:    func(context.Context) error { checkpoints++; return nil },
	}, zaptest.NewLogger(t))

	c.processHourly(context.Background())
	assert.Equal(t, 1, rebuilds)
	assert.Equal(t, 1, checkpoints)
}

func TestCronConsumer_CheckpointRunsWhenRebuildFails(t *testing.T) {
	var checkpoints int
	c := NewCronConsumer(nil, MaintenanceTasks{
		RebuildProjections: func(context.Context) error { return errors.New("geojson missing") },
		CheckpointState:    func(context.Context) error { checkpoints++; return nil },
	}, zaptest.NewLogger(t))

	c.processHourly(context.Background())
	assert.Equal(t, 1, checkpoints)
}

func TestCronConsumer_DailyRunsPrune(t *testing.T) {
	var prunes int
	c := NewCronConsumer(nil, MaintenanceTasks{
		PruneLogs: func(context.Context) error { prunes++; return nil },
	}, zaptest.NewLogger(t))

	c.processDaily(context.Background())
	c.processHourly(context.Background()) // nil tasks are skipped
	assert.Equal(t, 1, prunes)
}
