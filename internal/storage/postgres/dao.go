// Package postgres is the shared-database TermCmdDao, built on gorm.
//
// Conditional updates map one-to-one to guarded UPDATE statements and use
// RowsAffected to decide whether the fallback runs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/snehjoshi/gnssbus/internal/storage"
	"github.com/snehjoshi/gnssbus/internal/types"
)

// Dao is a gorm-backed storage.TermCmdDao.
type Dao struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ storage.TermCmdDao    = (*Dao)(nil)
	_ storage.TermCmdFinder = (*Dao)(nil)
)

// NewDao wraps an open connection pool.
func NewDao(db *gorm.DB, logger *slog.Logger) *Dao {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dao{db: db, now: time.Now, logger: logger.With("component", "store", "driver", "postgres")}
}

// CreateTermCmd implements storage.TermCmdDao.
func (d *Dao) CreateTermCmd(ctx context.Context, cmd *types.TermCmd) error {
	storage.PrepareCreate(cmd, d.now())
	rec := toModel(cmd)
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicate, cmd.ID)
		}
		return fmt.Errorf("postgres: create %s: %w", cmd.ID, err)
	}
	return nil
}

// FindTermCmd implements storage.TermCmdFinder.
func (d *Dao) FindTermCmd(ctx context.Context, id string) (*types.TermCmd, error) {
	var rec termCmdModel
	if err := d.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: find %s: %w", id, err)
	}
	return toDomain(rec), nil
}

// MarkCmdSent implements storage.TermCmdDao.
func (d *Dao) MarkCmdSent(ctx context.Context, cmd *types.TermCmd) error {
	storage.PrepareSent(cmd, d.now())
	fields := map[string]any{"sent_tm": cmd.SentTm, "msg_sn": cmd.MsgSn}

	return d.conditional(ctx, cmd.ID, "sent",
		func() (int64, error) {
			return d.update(ctx, withStatus(fields, types.StatusSent),
				"id = ? AND status IN ?", cmd.ID, storage.PriorStatuses(types.StatusSent))
		},
		func() (int64, error) {
			return d.update(ctx, fields, "id = ? AND sent_tm IS NULL", cmd.ID)
		})
}

// MarkCmdAck implements storage.TermCmdDao.
func (d *Dao) MarkCmdAck(ctx context.Context, cmd *types.TermCmd) error {
	storage.PrepareAck(cmd, d.now())
	fields := map[string]any{
		"ack_tm":     cmd.AckTm,
		"end_tm":     cmd.EndTm,
		"ack_code":   cmd.AckCode,
		"ack_msg_id": nullable(cmd.AckMsgID),
		"ack_seq_no": cmd.AckSeqNo,
		"ack_params": nullableJSON(cmd.AckParams),
	}

	return d.conditional(ctx, cmd.ID, "ack",
		func() (int64, error) {
			return d.update(ctx, withStatus(fields, types.StatusAck),
				"id = ? AND status IN ?", cmd.ID, storage.PriorStatuses(types.StatusAck))
		},
		func() (int64, error) {
			return d.update(ctx, fields, "id = ? AND ack_tm IS NULL", cmd.ID)
		})
}

// MarkCmdCompleted implements storage.TermCmdDao.
func (d *Dao) MarkCmdCompleted(ctx context.Context, cmd *types.TermCmd) error {
	storage.PrepareCompleted(cmd, d.now())
	return d.conditional(ctx, cmd.ID, "completed",
		func() (int64, error) {
			return d.update(ctx, map[string]any{"status": cmd.Status, "end_tm": cmd.EndTm},
				"id = ? AND status IN ?", cmd.ID, storage.PriorStatuses(cmd.Status))
		}, nil)
}

func (d *Dao) conditional(ctx context.Context, id, op string, primary, fallback func() (int64, error)) error {
	outcome, err := storage.ConditionalUpdate(primary, fallback)
	if err != nil {
		return fmt.Errorf("postgres: mark %s %s: %w", op, id, err)
	}
	if outcome != storage.Applied {
		d.logger.DebugContext(ctx, "conditional update", "op", op, "id", id, "outcome", outcome.String())
	}
	return nil
}

func (d *Dao) update(ctx context.Context, fields map[string]any, where string, args ...any) (int64, error) {
	res := d.db.WithContext(ctx).
		Model(&termCmdModel{}).
		Where(where, args...).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func withStatus(fields map[string]any, status int) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["status"] = status
	return out
}
