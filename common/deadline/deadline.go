package deadline

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
)

//	Deadline is an optional absolute expiry. The zero value never expires.
type Deadline struct {
	expiry time.Time
	set    bool
}

var None = Deadline{}

func At(expiry time.Time) Deadline {
	return Deadline{expiry: expiry, set: true}
}

func FromContext(ctx context.Context) Deadline {
	if expiry, ok := ctx.Deadline(); ok {
		return At(expiry)
	}
	return None
}

//	FromWire accepts the optional deadline carried by a request envelope.
func FromWire(expiry *time.Time) Deadline {
	if expiry == nil {
		return None
	}
	return At(*expiry)
}

func (d Deadline) Expiry() (time.Time, bool) {
	return d.expiry, d.set
}

func (d Deadline) IsSet() bool {
	return d.set
}

func (d Deadline) IsExpired() bool {
	return d.set && !time.Now().Before(d.expiry)
}

//	Context derives a context that is done when parent is done or the
//	deadline passes, whichever comes first.
func (d Deadline) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if !d.set {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, d.expiry)
}

//	Code picks the status for an operation interrupted by cancellation.
//	Expiry wins over any other cancellation that fired at the same time.
func (d Deadline) Code() codes.Code {
	if d.IsExpired() {
		return codes.DeadlineExceeded
	}
	return codes.Canceled
}

func (d Deadline) String() string {
	if !d.set {
		return "none"
	}
	return d.expiry.Format(time.RFC3339Nano)
}
