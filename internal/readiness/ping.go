package readiness

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// PingProbe opens a real connection with pgx and pings the server. It is the
// strictest probe: authentication and the target database must work.
type PingProbe struct {
	Timeout time.Duration
}

func (p PingProbe) Ready(ctx context.Context, t Target) (bool, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := pgx.Connect(cctx, URI(t))
	if err != nil {
		return false, nil
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
	if err := conn.Ping(cctx); err != nil {
		return false, nil
	}
	return true, nil
}

func (p PingProbe) Describe() string { return "ping" }

// URI renders a postgres connection URI for t.
func URI(t Target) string {
	db := t.Database
	if db == "" {
		db = "postgres"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(t.User, t.Password),
		Host:     t.Host + ":" + strconv.Itoa(t.Port),
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
