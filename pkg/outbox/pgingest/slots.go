package pgingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// slotName derives the replication slot name for (consumerName,
// partitionKey): "hermes_<consumerName>_<partitionKey>", with every byte
// outside [A-Za-z0-9_] replaced by '_' and the result lowercased, since
// Postgres folds unquoted identifiers to lowercase and this keeps the
// slot name stable whether or not a caller quotes it.
func slotName(consumerName, partitionKey string) string {
	raw := fmt.Sprintf("hermes_%s_%s", consumerName, partitionKey)
	return strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, raw))
}

// SlotInfo mirrors the columns of pg_replication_slots an operator needs
// to tell whether a Hermes consumer's slot is healthy.
type SlotInfo struct {
	SlotName     string
	Plugin       string
	SlotType     string
	Database     string
	Active       bool
	ActivePID    *int32
	WalStatus    string
	RestartLSN   string
	ConfirmedLSN string
	Temporary    bool
}

const slotColumns = `
  slot_name,
  plugin,
  slot_type,
  database,
  active,
  active_pid,
  wal_status,
  restart_lsn::text,
  confirmed_flush_lsn::text,
  temporary`

// ListSlots returns every logical replication slot on dsn's database.
// Used by the admin CLI's "slot list" command.
func ListSlots(ctx context.Context, dsn string) ([]SlotInfo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgingest: connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, "SELECT"+slotColumns+` FROM pg_replication_slots WHERE slot_type = 'logical' ORDER BY slot_name`)
	if err != nil {
		return nil, fmt.Errorf("pgingest: query slots: %w", err)
	}
	defer rows.Close()

	out := make([]SlotInfo, 0)
	for rows.Next() {
		item, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgingest: iterate slots: %w", err)
	}
	return out, nil
}

// GetSlot returns one slot's metadata, or ok=false if it does not exist.
func GetSlot(ctx context.Context, dsn, slot string) (SlotInfo, bool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return SlotInfo{}, false, fmt.Errorf("pgingest: connect: %w", err)
	}
	defer pool.Close()

	row := pool.QueryRow(ctx, "SELECT"+slotColumns+` FROM pg_replication_slots WHERE slot_type = 'logical' AND slot_name = $1`, slot)
	item, err := scanSlotRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SlotInfo{}, false, nil
	}
	if err != nil {
		return SlotInfo{}, false, err
	}
	return item, true, nil
}

// DropSlot drops a logical replication slot. ifExists makes a missing
// slot a no-op rather than an error.
func DropSlot(ctx context.Context, dsn, slot string, ifExists bool) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgingest: connect: %w", err)
	}
	defer pool.Close()

	query := "SELECT pg_drop_replication_slot($1)"
	if _, err := pool.Exec(ctx, query, slot); err != nil {
		if ifExists && isSlotMissingErr(err) {
			return nil
		}
		return fmt.Errorf("pgingest: drop slot %q: %w", slot, err)
	}
	return nil
}

// isSlotMissingErr reports whether err is Postgres error 42704
// (undefined_object), which pg_drop_replication_slot raises for a slot
// that does not exist.
func isSlotMissingErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42704"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(rows pgx.Rows) (SlotInfo, error) {
	return scanSlotRow(rows)
}

func scanSlotRow(row rowScanner) (SlotInfo, error) {
	var item SlotInfo
	var activePID sql.NullInt32
	var restartLSN, confirmedLSN sql.NullString
	if err := row.Scan(
		&item.SlotName,
		&item.Plugin,
		&item.SlotType,
		&item.Database,
		&item.Active,
		&activePID,
		&item.WalStatus,
		&restartLSN,
		&confirmedLSN,
		&item.Temporary,
	); err != nil {
		return SlotInfo{}, fmt.Errorf("pgingest: scan slot: %w", err)
	}
	if activePID.Valid {
		pid := activePID.Int32
		item.ActivePID = &pid
	}
	if restartLSN.Valid {
		item.RestartLSN = restartLSN.String
	}
	if confirmedLSN.Valid {
		item.ConfirmedLSN = confirmedLSN.String
	}
	return item, nil
}
