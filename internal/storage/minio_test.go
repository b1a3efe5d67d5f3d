package storage

import (
	"errors"
	"testing"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestWrapBlobClassifiesErrors(t *testing.T) {
	missing := minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}
	err := wrapBlob("get object", missing)
	require.ErrorIs(t, err, bridgerr.ErrNotFound)

	denied := minio.ErrorResponse{Code: "AccessDenied", Message: "Access Denied."}
	err = wrapBlob("put object", denied)
	require.ErrorIs(t, err, bridgerr.ErrBackendUnavailable)

	err = wrapBlob("copy object", errors.New("connection refused"))
	require.ErrorIs(t, err, bridgerr.ErrBackendUnavailable)
}
