package aof

import (
	"fmt"

	"go.uber.org/zap"
)

func (d *DiskEngine) replayLogs() error {
	index, err := d.log.LastIndex()
	if err != nil {
		return fmt.Errorf("error reading last log index: %w", err)
	}
	d.logger.Info("Replaying mutation logs", zap.Uint64("index", index))
	mut := &mutation{}
	for i := uint64(1); i <= index; i++ {
		buf, err := d.log.Read(i)
		if err != nil {
			return fmt.Errorf("error reading log at index %d: %w", i, err)
		}
		if err := mut.UnmarshalWire(buf); err != nil {
			return fmt.Errorf("error decoding log at index %d: %w", i, err)
		}
		if err := d.handleMutation(mut); err != nil {
			return fmt.Errorf("error applying mutation at index %d: %w", i, err)
		}
	}
	d.counter = index + 1
	return nil
}

func (d *DiskEngine) appendLog(mut *mutation) error {
	if err := d.log.Write(d.counter, mut.MarshalWire()); err != nil {
		d.logger.Error("Error appending to log", zap.Uint64("counter", d.counter), zap.Stringer("mutation", mut.Type), zap.Error(err))
		return err
	}
	d.counter += 1
	return nil
}

func (d *DiskEngine) rollbackOne(mut *mutation, err error) {
	d.logger.Warn("Rolling back last mutation because of an error",
		zap.Stringer("mutation", mut.Type),
		zap.Uint64("truncate", d.counter-2),
		zap.Uint64("index", d.counter-1),
		zap.Error(err),
	)
	d.counter -= 1
	if err := d.log.TruncateBack(d.counter - 1); err != nil {
		d.logger.Error("Error applying rollback to the last mutation",
			zap.Error(err))
	}
}
