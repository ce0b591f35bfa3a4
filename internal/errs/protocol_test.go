package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtocolError_Is(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("add node: %w", Newf(DomainDirectory, CodeNodeExists, "Name %q already exists", "a"))
	require.ErrorIs(t, err, New(DomainDirectory, CodeNodeExists))
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.ErrorIs(t, err, ErrConflict)
	require.NotErrorIs(t, err, New(DomainDirectory, CodeNoSuchNode))
	require.NotErrorIs(t, err, ErrState)

	// same code number, different domain
	require.NotErrorIs(t, New(DomainUserJoin, CodeNameInUse), New(DomainDirectory, CodeNoSuchNode))
}

func TestFromWire(t *testing.T) {
	t.Parallel()

	pe := FromWire("user-leave", uint64(CodeNoSuchUser), "")
	require.Equal(t, "There is no user with the given ID", pe.Message)
	require.ErrorIs(t, pe, ErrConflict)

	unknown := FromWire("drawing", 7, "")
	require.Nil(t, unknown.Kind())
	require.Equal(t, "drawing error 7", unknown.Error())
	require.False(t, errors.Is(unknown, ErrValidation))
}

type storageErr struct{}

func (storageErr) Error() string            { return "disk on fire" }
func (storageErr) Protocol() *ProtocolError { return New(DomainStorage, CodeRemoveFiles) }

func TestToProtocol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   error
		want *ProtocolError
	}{
		{"protocol", fmt.Errorf("wrap: %w", New(DomainSession, CodeSyncCancelled)), New(DomainSession, CodeSyncCancelled)},
		{"converter", fmt.Errorf("wrap: %w", storageErr{}), New(DomainStorage, CodeRemoveFiles)},
		{"no such node", ErrNoSuchNode, New(DomainDirectory, CodeNoSuchNode)},
		{"exists", ErrAlreadyExists, New(DomainDirectory, CodeNodeExists)},
		{"subscribed", ErrAlreadySubscribed, New(DomainDirectory, CodeAlreadySubscribed)},
		{"not running", ErrSessionNotRunning, New(DomainDirectory, CodeSessionNotRunning)},
		{"storage", fmt.Errorf("write: %w", ErrStorage), New(DomainStorage, CodeIOFailed)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ToProtocol(tt.in)
			require.Equal(t, tt.want.Domain, got.Domain)
			require.Equal(t, tt.want.Code, got.Code)
		})
	}

	got := ToProtocol(errors.New("pq: password authentication failed for user x"))
	require.Equal(t, DomainRequest, got.Domain)
	require.Equal(t, CodeFailed, got.Code)
	require.NotContains(t, got.Message, "password")
}
