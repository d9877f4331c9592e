package errors_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	svcErr "github.com/oggyb/matchcore/internal/errors"
)

func TestMap(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{svcErr.ErrUnauthenticated, codes.Unauthenticated},
		{svcErr.ErrPhotoUnverified, codes.PermissionDenied},
		{fmt.Errorf("%w: match m1", svcErr.ErrStale), codes.Aborted},
		{svcErr.ErrActiveSession, codes.AlreadyExists},
		{gorm.ErrRecordNotFound, codes.NotFound},
		{svcErr.ErrRateLimited, codes.ResourceExhausted},
		{fmt.Errorf("%w: limit", svcErr.ErrInvalidArgument), codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{fmt.Errorf("boom"), codes.Internal},
	}
	for _, tc := range cases {
		st, ok := status.FromError(svcErr.Map(tc.err))
		assert.True(t, ok)
		assert.Equal(t, tc.want, st.Code(), "err=%v", tc.err)
	}
	assert.Nil(t, svcErr.Map(nil))
}

func TestMap_StaleSurfacesAsAlreadyHandled(t *testing.T) {
	st, _ := status.FromError(svcErr.Map(svcErr.ErrStale))
	assert.Equal(t, svcErr.CodeAlreadyHandled, st.Message())
}

func TestCode(t *testing.T) {
	assert.Equal(t, svcErr.CodeForbidden, svcErr.Code(svcErr.ErrNotParticipant))
	assert.Equal(t, svcErr.CodeConflict, svcErr.Code(svcErr.ErrDuplicatePending))
	assert.Equal(t, svcErr.CodeConflict, svcErr.Code(gorm.ErrDuplicatedKey))
	assert.Equal(t, svcErr.CodeInternal, svcErr.Code(fmt.Errorf("x")))
	assert.Equal(t, "", svcErr.Code(nil))
}
