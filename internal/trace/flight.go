package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/metrics"
)

// PathPrefix is the first element of every descriptor path; the second is
// the record kind.
const PathPrefix = "rope"

var errNotConnected = errors.New("client not connected, call Connect() first")

// FlightExporter sends each record as its own DoPut stream.
type FlightExporter struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	mem     memory.Allocator
}

func NewFlightExporter(addr string) *FlightExporter {
	return &FlightExporter{
		addr:    addr,
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
	}
}

// Connect establishes the gRPC connection.
func (fe *FlightExporter) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fe.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fe.client = client
	return nil
}

func (fe *FlightExporter) Close() error {
	if fe.client != nil {
		err := fe.client.Close()
		fe.client = nil
		return err
	}
	return nil
}

func (fe *FlightExporter) Export(ctx context.Context, kind string, rec arrow.Record) error {
	if fe.client == nil {
		return errNotConnected
	}
	err := fe.put(ctx, kind, rec)
	metrics.RecordTraceExport(kind, err)
	if err != nil {
		return err
	}
	logger.Log.With("trace").Debug("trace exported",
		"kind", kind,
		"rows", rec.NumRows(),
		"addr", fe.addr,
	)
	return nil
}

func (fe *FlightExporter) put(ctx context.Context, kind string, rec arrow.Record) error {
	ctx, cancel := context.WithTimeout(ctx, fe.timeout)
	defer cancel()

	stream, err := fe.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fe.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{PathPrefix, kind},
	})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}

	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}
}
