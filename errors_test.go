package cxicore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hpcfabric/cxicore/internal/request"
)

func TestStructuredError(t *testing.T) {
	err := NewError("Post", 7, KindTrunc, "posted buffer smaller than message")

	assert.Equal(t, "Post", err.Op)
	assert.Equal(t, KindTrunc, err.Kind)
	assert.Equal(t, "cxicore: Post: req=7 posted buffer smaller than message", err.Error())
}

func TestNewProviderError(t *testing.T) {
	err := NewProviderError("HandleEvent", 3, request.RCDisUncor)

	assert.Equal(t, KindProvider, err.Kind)
	assert.True(t, err.IsFatal(), "DIS_UNCOR must be fatal per the error-propagation policy")
}

func TestNonFatalProviderError(t *testing.T) {
	err := NewProviderError("Queue", 1, request.RCNoSpace)
	assert.False(t, err.IsFatal(), "NO_SPACE is a retry condition, not fatal")
}

func TestWrapErrorPreservesStructuredKind(t *testing.T) {
	inner := NewError("Post", 5, KindNoMsg, "peek found nothing")
	wrapped := WrapError("Peek", 5, inner)

	assert.Equal(t, KindNoMsg, wrapped.Kind)
	assert.Equal(t, "Peek", wrapped.Op)
}

func TestErrorIsMatchesOnKind(t *testing.T) {
	err := NewError("Cancel", 9, KindCanceled, "")
	target := &Error{Kind: KindCanceled}

	assert.True(t, errors.Is(err, target), "errors.Is should match on Kind")
	assert.False(t, errors.Is(err, &Error{Kind: KindTrunc}), "errors.Is should not match a different Kind")
}

func TestIsKind(t *testing.T) {
	err := NewError("Send", 2, KindAddrNotAvail, "source could not be resolved")

	assert.True(t, IsKind(err, KindAddrNotAvail))
	assert.False(t, IsKind(err, KindOK))
	assert.False(t, IsKind(nil, KindOK))
}

func TestMapReturnCode(t *testing.T) {
	tests := []struct {
		rc   request.ReturnCode
		want Kind
	}{
		{request.RCOk, KindOK},
		{request.RCEntryNotFound, KindNoMsg},
		{request.RCTrunc, KindTrunc},
		{request.RCPtDisabled, KindProvider},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapReturnCode(tt.rc))
	}
}
