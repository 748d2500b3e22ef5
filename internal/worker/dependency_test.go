package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

func TestClassifyDependency(t *testing.T) {
	tests := []struct {
		name   string
		found  bool
		status domain.ItemStatus
		want   DependencyOutcome
	}{
		// An update may arrive before its create has even been submitted;
		// it waits rather than dying.
		{"create not submitted yet", false, "", DependencyRetry},
		{"processed", true, domain.ItemProcessed, DependencyReady},
		{"dead lettered", true, domain.ItemDeadLetter, DependencyDead},
		{"still pending", true, domain.ItemPending, DependencyRetry},
		{"being processed", true, domain.ItemProcessing, DependencyRetry},
		{"failed, will retry", true, domain.ItemFailed, DependencyRetry},
		{"occ timeout, will retry", true, domain.ItemOCCTimeout, DependencyRetry},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyDependency(tc.found, tc.status))
		})
	}
}

func TestDependencyErrorUnwrap(t *testing.T) {
	retry := &DependencyError{Outcome: DependencyRetry, Detail: "waiting"}
	assert.ErrorIs(t, retry, domain.ErrDependencyPending)

	dead := &DependencyError{Outcome: DependencyDead, Detail: "gone"}
	assert.ErrorIs(t, dead, domain.ErrDependencyDead)
}

func TestCreateActionFor(t *testing.T) {
	assert.Equal(t, domain.ActionCreateAccount, createActionFor(domain.ActionUpdateAccount))
	assert.Equal(t, domain.ActionCreateTransaction, createActionFor(domain.ActionUpdateTransaction))
}
