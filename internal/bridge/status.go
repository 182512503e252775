package bridge

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
)

var categoryToCode = map[errcode.Category]codes.Code{
	errcode.CategoryConfig:          codes.FailedPrecondition,
	errcode.CategoryDatabase:        codes.Aborted,
	errcode.CategoryNotImplemented:  codes.Unimplemented,
	errcode.CategoryUnknownWorkUnit: codes.NotFound,
	errcode.CategoryTimeout:         codes.DeadlineExceeded,
	errcode.CategoryBadParam:        codes.InvalidArgument,
	errcode.CategorySystem:          codes.Unavailable,
	errcode.CategoryInternal:        codes.Internal,
}

var codeToCategory = map[codes.Code]errcode.Category{
	codes.FailedPrecondition: errcode.CategoryConfig,
	codes.Aborted:            errcode.CategoryDatabase,
	codes.DataLoss:           errcode.CategoryDatabase,
	codes.Unimplemented:      errcode.CategoryNotImplemented,
	codes.NotFound:           errcode.CategoryUnknownWorkUnit,
	codes.DeadlineExceeded:   errcode.CategoryTimeout,
	codes.InvalidArgument:    errcode.CategoryBadParam,
	codes.OutOfRange:         errcode.CategoryBadParam,
	codes.Unavailable:        errcode.CategorySystem,
	codes.ResourceExhausted:  errcode.CategorySystem,
	codes.Canceled:           errcode.CategorySystem,
	codes.Internal:           errcode.CategoryInternal,
	codes.Unknown:            errcode.CategoryInternal,
}

// toStatus converts a host-side error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, ok := categoryToCode[errcode.CategoryOf(err)]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus converts a transport error into a BridgeError for op.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errcode.NewBridgeError(op, errcode.CategoryTimeout, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return errcode.NewBridgeError(op, errcode.CategorySystem, err)
	}
	cat, ok := codeToCategory[st.Code()]
	if !ok {
		cat = errcode.CategoryInternal
	}
	return errcode.NewBridgeError(op, cat, errors.New(st.Message()))
}
