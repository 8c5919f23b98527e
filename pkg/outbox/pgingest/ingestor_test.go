package pgingest

import (
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestParseStartPositionEmptyTokenReturnsFallback(t *testing.T) {
	fallback := pglogrepl.LSN(12345)
	got, err := parseStartPosition("", fallback)
	if err != nil {
		t.Fatalf("parseStartPosition: %v", err)
	}
	if got != fallback {
		t.Errorf("got %v, want fallback %v", got, fallback)
	}
}

func TestParseStartPositionParsesExplicitLSN(t *testing.T) {
	got, err := parseStartPosition("0/1708A40", pglogrepl.LSN(0))
	if err != nil {
		t.Fatalf("parseStartPosition: %v", err)
	}
	if got.String() != "0/1708A40" {
		t.Errorf("got %v, want 0/1708A40", got)
	}
}

func TestParseStartPositionRejectsMalformedToken(t *testing.T) {
	if _, err := parseStartPosition("not-an-lsn", pglogrepl.LSN(0)); err == nil {
		t.Error("expected error for malformed LSN token")
	}
}

func TestDecodeTupleNilTupleReturnsEmptyMap(t *testing.T) {
	out, err := decodeTuple([]string{"id", "payload"}, nil)
	if err != nil {
		t.Fatalf("decodeTuple: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %v, want empty map", out)
	}
}

func TestDecodeTupleTextAndBinaryColumns(t *testing.T) {
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("42")},
		{DataType: pglogrepl.TupleDataTypeBinary, Data: []byte(`{"foo":"bar"}`)},
	}}
	out, err := decodeTuple([]string{"id", "payload"}, tuple)
	if err != nil {
		t.Fatalf("decodeTuple: %v", err)
	}
	if out["id"] != "42" || out["payload"] != `{"foo":"bar"}` {
		t.Errorf("got %v", out)
	}
}

func TestDecodeTupleNullAndToastColumns(t *testing.T) {
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeNull},
		{DataType: pglogrepl.TupleDataTypeToast},
	}}
	out, err := decodeTuple([]string{"deleted_at", "large_blob"}, tuple)
	if err != nil {
		t.Fatalf("decodeTuple: %v", err)
	}
	if out["deleted_at"] != "" || out["large_blob"] != "" {
		t.Errorf("got %v, want empty strings for null/toast columns", out)
	}
}

func TestDecodeTupleColumnIndexOutOfRange(t *testing.T) {
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("2")},
	}}
	if _, err := decodeTuple([]string{"id"}, tuple); err == nil {
		t.Error("expected out-of-range error when tuple has more columns than names")
	}
}

func TestDecodeTupleUnknownDataType(t *testing.T) {
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: 'x', Data: []byte("1")},
	}}
	if _, err := decodeTuple([]string{"id"}, tuple); err == nil {
		t.Error("expected error for unknown column data type")
	}
}

func TestIsSlotActiveErrMatchesObjectInUseCode(t *testing.T) {
	err := &pgconn.PgError{Code: "55006", Message: `replication slot "hermes_orders_default" is active for PID 4242`}
	if !isSlotActiveErr(err) {
		t.Error("expected 55006 PgError to be recognized as slot-active")
	}
}

func TestIsSlotActiveErrMatchesMessageFallback(t *testing.T) {
	err := errors.New(`ERROR: replication slot "hermes_orders_default" is active for PID 4242`)
	if !isSlotActiveErr(err) {
		t.Error("expected message fallback to recognize slot-active error")
	}
}

func TestIsSlotActiveErrRejectsUnrelatedError(t *testing.T) {
	if isSlotActiveErr(errors.New("connection refused")) {
		t.Error("unrelated error misclassified as slot-active")
	}
}

func TestIsSlotExistsErrMatchesDuplicateObjectCode(t *testing.T) {
	err := &pgconn.PgError{Code: "42710", Message: `replication slot "hermes_orders_default" already exists`}
	if !isSlotExistsErr(err) {
		t.Error("expected 42710 PgError to be recognized as slot-exists")
	}
}
