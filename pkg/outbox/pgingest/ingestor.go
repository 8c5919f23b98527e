// Package pgingest implements outbox.Ingestor over PostgreSQL logical
// replication: it streams pgoutput changes from the primary outbox table
// via a dedicated replication slot and publication, assembling rows into
// commit-bracketed outbox.Batch values.
package pgingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// Options configures an Ingestor.
type Options struct {
	DSN             string
	Slot            string
	Publication     string
	OutboxTable     string // unqualified relation name as it appears in pg_class
	PartitionColumn string // defaults to "partition_key"
	PartitionKey    string
	StatusInterval  time.Duration
}

// Ingestor streams the primary outbox table's inserts for one partition.
type Ingestor struct {
	opts Options

	mu      sync.Mutex
	conn    *pgconn.PgConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	changes chan outbox.Batch
	lastErr error
	ackLSN  pglogrepl.LSN

	relations map[uint32]*pglogrepl.RelationMessage
	columns   map[uint32][]string

	current *outbox.Batch
}

func New(opts Options) *Ingestor {
	if opts.PartitionColumn == "" {
		opts.PartitionColumn = "partition_key"
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 10 * time.Second
	}
	return &Ingestor{
		opts:      opts,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		columns:   make(map[uint32][]string),
	}
}

// Start connects, ensures the replication slot exists (creating it if
// this is a fresh consumer), and begins streaming from startPosition.
func (ig *Ingestor) Start(ctx context.Context, startPosition string) (<-chan outbox.Batch, error) {
	ig.setErr(nil)

	if taken, err := ig.slotTakenByOther(ctx); err != nil {
		return nil, err
	} else if taken {
		return nil, outbox.ErrConsumerAlreadyTaken
	}

	cfg, err := pgconn.ParseConfig(ig.opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("outbox: parse dsn: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("outbox: connect replication: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("outbox: identify system: %w", err)
	}

	startLSN, err := parseStartPosition(startPosition, sysident.XLogPos)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("%w: %v", outbox.ErrPositionLost, err)
	}

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, ig.opts.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
	if err != nil && !isSlotExistsErr(err) {
		conn.Close(ctx)
		return nil, fmt.Errorf("outbox: create replication slot: %w", err)
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", ig.opts.Publication),
	}
	if err := pglogrepl.StartReplication(ctx, conn, ig.opts.Slot, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		conn.Close(ctx)
		if isSlotActiveErr(err) {
			return nil, outbox.ErrConsumerAlreadyTaken
		}
		return nil, fmt.Errorf("outbox: start replication: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	changes := make(chan outbox.Batch, 64)

	ig.mu.Lock()
	ig.conn = conn
	ig.cancel = cancel
	ig.changes = changes
	ig.mu.Unlock()

	ig.wg.Add(1)
	go ig.consume(streamCtx, startLSN)

	return changes, nil
}

func (ig *Ingestor) Ack(sourcePosition string) {
	lsn, err := pglogrepl.ParseLSN(sourcePosition)
	if err != nil {
		return
	}
	ig.mu.Lock()
	if lsn > ig.ackLSN {
		ig.ackLSN = lsn
	}
	ig.mu.Unlock()
}

func (ig *Ingestor) Err() error {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.lastErr
}

func (ig *Ingestor) Stop(ctx context.Context) error {
	ig.mu.Lock()
	cancel := ig.cancel
	conn := ig.conn
	ig.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ig.wg.Wait()

	if conn != nil {
		return conn.Close(ctx)
	}
	return nil
}

func (ig *Ingestor) consume(ctx context.Context, startLSN pglogrepl.LSN) {
	defer ig.wg.Done()
	defer func() {
		ig.mu.Lock()
		if ig.changes != nil {
			close(ig.changes)
		}
		ig.mu.Unlock()
	}()

	conn := ig.conn
	clientXLogPos := startLSN
	nextStandbyDeadline := time.Now().Add(ig.opts.StatusInterval)

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Now().After(nextStandbyDeadline) {
			pos := ig.ackPosition(clientXLogPos)
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: pos,
				WALFlushPosition: pos,
				WALApplyPosition: pos,
			}); err != nil {
				ig.setErr(fmt.Errorf("outbox: send standby status: %w", err))
				return
			}
			nextStandbyDeadline = time.Now().Add(ig.opts.StatusInterval)
		}

		deadlineCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(deadlineCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			ig.setErr(fmt.Errorf("outbox: receive message: %w", err))
			return
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			ig.setErr(fmt.Errorf("outbox: %w: %s", outbox.ErrProtocolError, errMsg.Message))
			return
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				ig.setErr(fmt.Errorf("outbox: parse keepalive: %w", err))
				return
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				ig.setErr(fmt.Errorf("outbox: parse xlogdata: %w", err))
				return
			}
			if err := ig.handleWAL(ctx, xld); err != nil {
				ig.setErr(err)
				return
			}
			if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > clientXLogPos {
				clientXLogPos = end
			}
		}
	}
}

func (ig *Ingestor) handleWAL(ctx context.Context, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("outbox: parse logical message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		ig.relations[msg.RelationID] = msg
		names := make([]string, len(msg.Columns))
		for i, col := range msg.Columns {
			names[i] = col.Name
		}
		ig.columns[msg.RelationID] = names
		return nil

	case *pglogrepl.BeginMessage:
		ig.current = &outbox.Batch{
			TransactionID: fmt.Sprintf("%d", msg.Xid),
			CommitTime:    msg.CommitTime,
		}
		return nil

	case *pglogrepl.InsertMessage:
		return ig.handleInsert(msg)

	case *pglogrepl.CommitMessage:
		return ig.handleCommit(ctx, msg)

	default:
		return nil
	}
}

func (ig *Ingestor) handleInsert(msg *pglogrepl.InsertMessage) error {
	if ig.current == nil {
		return fmt.Errorf("%w: insert outside transaction", outbox.ErrProtocolError)
	}
	names, ok := ig.columns[msg.RelationID]
	if !ok {
		return fmt.Errorf("%w: unknown relation id %d", outbox.ErrProtocolError, msg.RelationID)
	}

	row, err := decodeTuple(names, msg.Tuple)
	if err != nil {
		return fmt.Errorf("outbox: decode tuple: %w", err)
	}

	if ig.opts.PartitionKey != "" && row[ig.opts.PartitionColumn] != ig.opts.PartitionKey {
		return nil
	}

	position, err := strconv.ParseInt(row["id"], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: parse outbox row id %q: %v", outbox.ErrProtocolError, row["id"], err)
	}

	env := outbox.Envelope{
		Message: outbox.Message{
			MessageID:   row["message_id"],
			MessageType: row["message_type"],
			Payload:     []byte(row["payload"]),
		},
		Position: position,
	}
	ig.current.Envelopes = append(ig.current.Envelopes, env)
	return nil
}

func (ig *Ingestor) handleCommit(ctx context.Context, msg *pglogrepl.CommitMessage) error {
	if ig.current == nil {
		return nil
	}
	batch := *ig.current
	ig.current = nil

	if len(batch.Envelopes) == 0 {
		return nil
	}
	batch.SourcePosition = msg.TransactionEndLSN.String()

	ig.mu.Lock()
	ch := ig.changes
	ig.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("outbox: change channel not initialized")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- batch:
		return nil
	}
}

func (ig *Ingestor) setErr(err error) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	ig.lastErr = err
}

func (ig *Ingestor) ackPosition(fallback pglogrepl.LSN) pglogrepl.LSN {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	if ig.ackLSN > 0 {
		return ig.ackLSN
	}
	return fallback
}

// slotTakenByOther detects an already-live consumer on this slot by
// inspecting pg_replication_slots.active/active_pid.
func (ig *Ingestor) slotTakenByOther(ctx context.Context) (bool, error) {
	pool, err := pgxpool.New(ctx, ig.opts.DSN)
	if err != nil {
		return false, fmt.Errorf("outbox: connect: %w", err)
	}
	defer pool.Close()

	var active bool
	err = pool.QueryRow(ctx,
		`SELECT active FROM pg_replication_slots WHERE slot_name = $1`,
		ig.opts.Slot,
	).Scan(&active)
	if err != nil {
		return false, nil // no such slot yet; Start will create it
	}
	return active, nil
}

func parseStartPosition(token string, fallback pglogrepl.LSN) (pglogrepl.LSN, error) {
	if token == "" {
		return fallback, nil
	}
	return pglogrepl.ParseLSN(token)
}

func isSlotExistsErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42710"
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// isSlotActiveErr reports whether err is Postgres's rejection of
// START_REPLICATION on a slot that another session is already streaming
// from (object_in_use, "replication slot ... is active for PID ..."),
// the server's authoritative mutual-exclusion signal for a slot.
func isSlotActiveErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "55006" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is active for pid")
}

// decodeTuple decodes a pgoutput text-format tuple into a string map. The
// outbox table's columns are all text/jsonb, so every value round-trips
// through its text representation without needing pgtype codec lookups.
func decodeTuple(names []string, tuple *pglogrepl.TupleData) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if tuple == nil {
		return out, nil
	}
	for idx, col := range tuple.Columns {
		if idx >= len(names) {
			return nil, fmt.Errorf("tuple column index %d out of range", idx)
		}
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			out[names[idx]] = ""
		case pglogrepl.TupleDataTypeToast:
			out[names[idx]] = ""
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			out[names[idx]] = string(col.Data)
		default:
			return nil, fmt.Errorf("unknown column data type %c", col.DataType)
		}
	}
	return out, nil
}
