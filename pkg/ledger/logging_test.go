package ledger

import (
	"context"
	"sync"
	"testing"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsGrantAndDuplicate(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(test), WithOperationLogger(logger))
	userID := mustUserID(test, userIDValue)
	externalPaymentID := mustExternalPaymentID(test, "cs_log")

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.Grant(context.Background(), userID, mustCredits(test, 10), mustDescription(test, "p"), externalPaymentID); err != nil {
			test.Fatalf("grant: %v", err)
		}
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[0].Operation != operationGrant || logger.entries[0].Status != operationStatusOK {
		test.Fatalf("unexpected first entry: %+v", logger.entries[0])
	}
	if logger.entries[1].Status != operationStatusDuplicate || logger.entries[1].TransactionID != logger.entries[0].TransactionID {
		test.Fatalf("unexpected duplicate entry: %+v", logger.entries[1])
	}
}

func TestServiceLogsErrorStatusToEveryLogger(test *testing.T) {
	test.Parallel()
	first := &recorderLogger{}
	second := &recorderLogger{}
	service := mustNewService(test, newStubStore(test), WithOperationLogger(first), WithOperationLogger(second), WithOperationLogger(nil))

	if _, err := service.Deduct(context.Background(), mustUserID(test, userIDValue), mustCredits(test, 1), mustDescription(test, "d")); err == nil {
		test.Fatalf("expected insufficient credits")
	}
	for _, logger := range []*recorderLogger{first, second} {
		if len(logger.entries) != 1 || logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
			test.Fatalf("expected error entry, got %+v", logger.entries)
		}
	}
}
