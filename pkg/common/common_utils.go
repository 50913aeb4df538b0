package common

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ClientRuntimeEnv = "SHARDCONN_RUNTIME"
)

func RawZapLogger() *zap.Logger {
	logConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:       true,
		DisableCaller:     false,
		DisableStacktrace: false,
		Encoding:          "console",
		OutputPaths: []string{
			"stderr",
		},
		ErrorOutputPaths: []string{
			"stderr",
		},
	}
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	if IsProdRuntime() {
		logConfig.Development = false
		logConfig.Encoding = "json"
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	logConfig.EncoderConfig = encoderCfg
	zapLogger, initLogErr := logConfig.Build()
	if initLogErr != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", initLogErr))
	}
	return zapLogger
}

func InitLogger() logr.Logger {
	return zapr.NewLogger(RawZapLogger())
}

func IsProdRuntime() bool {
	runEnvVal, hasEnv := os.LookupEnv(ClientRuntimeEnv)
	if !hasEnv {
		return false
	}
	return strings.EqualFold(runEnvVal, "prod")
}

// IsRetryableResolveError classifies a BackendInfoResolver failure as worth
// retrying (transient peer/network trouble) versus terminal (anything
// else). Merges be_cluster's IsPeerUnavailable (gRPC status codes, for
// resolvers backed by a directory-service RPC) and IsBackendUnavailable
// (raw net/syscall classification, for resolvers that dial directly).
func IsRetryableResolveError(err error) bool {
	if err == nil {
		return false
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Err != nil {
			msg := netErr.Err.Error()
			return strings.Contains(msg, "use of closed network connection") ||
				strings.Contains(msg, "connection reset by peer") ||
				strings.Contains(msg, "broken pipe") ||
				strings.Contains(msg, "connection refused")
		}
		return netErr.Op == "read" || netErr.Op == "write" || netErr.Op == "dial"
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return errors.Is(syscallErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(syscallErr.Err, syscall.ECONNRESET) ||
			errors.Is(syscallErr.Err, syscall.EPIPE)
	}
	return false
}
