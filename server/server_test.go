package server

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/dwexpr/store"
)

// ---------------------------------------------------------------------------
// Connect handlers, called directly
// ---------------------------------------------------------------------------

func TestCheck_Handler(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Check(bg(), connectReq(wrapperspb.Bytes([]byte(challengeFlag))))
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !resp.Msg.GetValue() {
		t.Error("Check(flag) = false, want true")
	}

	resp, err = s.Check(bg(), connectReq(wrapperspb.Bytes(wrongFlag())))
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if resp.Msg.GetValue() {
		t.Error("Check(wrong flag) = true, want false")
	}
}

func TestCheck_InvalidArgument(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name      string
		candidate []byte
	}{
		{"empty", nil},
		{"too long", []byte(challengeFlag + "!")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Check(bg(), connectReq(wrapperspb.Bytes(tt.candidate)))
			if code := connect.CodeOf(err); code != connect.CodeInvalidArgument {
				t.Errorf("Check() code = %v, want %v", code, connect.CodeInvalidArgument)
			}
		})
	}
}

func TestDisassemble_Handler(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Disassemble(bg(), connectReq(wrapperspb.Bytes(nil)))
	if err != nil {
		t.Fatalf("Disassemble returned error: %v", err)
	}
	if !strings.Contains(resp.Msg.GetValue(), "; === treacherous ===") {
		t.Errorf("Disassemble(empty) should list the bundle, got %q", firstLine(resp.Msg.GetValue()))
	}

	_, err = s.Disassemble(bg(), connectReq(wrapperspb.Bytes([]byte{0x03, 0x01})))
	if code := connect.CodeOf(err); code != connect.CodeInvalidArgument {
		t.Errorf("Disassemble(bad code) code = %v, want %v", code, connect.CodeInvalidArgument)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// ---------------------------------------------------------------------------
// Connect over HTTP
// ---------------------------------------------------------------------------

func TestClient_Connect(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client := NewClient(ts.Client(), ts.URL+"/")
	ok, err := client.Check(bg(), []byte(challengeFlag))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Error("Check(flag) = false, want true")
	}

	listing, err := client.Disassemble(bg(), []byte{0x31, 0x32, 0x22})
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if !strings.Contains(listing, "plus") {
		t.Errorf("Disassemble() = %q, want it to contain plus", listing)
	}

	_, err = client.Check(bg(), nil)
	if code := connect.CodeOf(err); code != connect.CodeInvalidArgument {
		t.Errorf("Check(nil) code = %v, want %v", code, connect.CodeInvalidArgument)
	}
}

func TestClient_GRPCProtocol(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewUnstartedServer(s.Handler())
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()

	client := NewClient(ts.Client(), ts.URL, connect.WithGRPC())
	ok, err := client.Check(bg(), wrongFlag())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("Check(wrong flag) = true, want false")
	}
}

// ---------------------------------------------------------------------------
// Native gRPC
// ---------------------------------------------------------------------------

func dialBufconn(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go s.ServeGRPC(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_Check(t *testing.T) {
	s := newTestServer(t)
	client := NewGRPCClient(dialBufconn(t, s))

	ok, err := client.Check(bg(), []byte(challengeFlag))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Error("Check(flag) = false, want true")
	}

	ok, err = client.Check(bg(), []byte("ARKAV{"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("Check(prefix) = true, want false")
	}

	_, err = client.Check(bg(), nil)
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Errorf("Check(nil) code = %v, want %v", code, codes.InvalidArgument)
	}
}

func TestGRPC_Disassemble(t *testing.T) {
	s := newTestServer(t)
	client := NewGRPCClient(dialBufconn(t, s))

	listing, err := client.Disassemble(bg(), nil)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if !strings.Contains(listing, "addr 0x4012af") {
		t.Errorf("Disassemble(empty) should include the reject address")
	}
}

func TestGRPC_Interceptor(t *testing.T) {
	var methods []string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		methods = append(methods, info.FullMethod)
		return handler(ctx, req)
	}
	s := newTestServer(t, WithGRPCOptions(grpc.UnaryInterceptor(interceptor)))
	client := NewGRPCClient(dialBufconn(t, s))

	if _, err := client.Check(bg(), []byte(challengeFlag)); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Disassemble(bg(), nil); err != nil {
		t.Fatal(err)
	}
	want := []string{CheckProcedure, DisassembleProcedure}
	if fmt.Sprint(methods) != fmt.Sprint(want) {
		t.Errorf("intercepted methods = %v, want %v", methods, want)
	}
}

// ---------------------------------------------------------------------------
// Attempt log and metrics
// ---------------------------------------------------------------------------

func TestServer_RecordsAttempts(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s := newTestServer(t, WithStore(st))

	for _, c := range [][]byte{[]byte(challengeFlag), wrongFlag()} {
		if _, err := s.check(bg(), c); err != nil {
			t.Fatal(err)
		}
	}
	// Invalid candidates are not evaluated, so not recorded.
	if _, err := s.check(bg(), nil); err == nil {
		t.Fatal("check(nil) should fail")
	}

	stats, err := st.Stats(bg(), testBundle.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if want := (store.Stats{Total: 2, Accepted: 1}); stats != want {
		t.Errorf("Stats() = %+v, want %+v", stats, want)
	}

	attempts, err := st.List(bg(), testBundle.Hash, 0)
	if err != nil {
		t.Fatal(err)
	}
	flagMD5 := md5.Sum([]byte(challengeFlag))
	found := false
	for _, a := range attempts {
		if a.CandidateMD5 == flagMD5 {
			found = true
			if !a.Accepted || a.Steps == 0 {
				t.Errorf("flag attempt = %+v, want accepted with steps", a)
			}
		}
	}
	if !found {
		t.Error("the accepted attempt was not recorded")
	}
}

func TestServer_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	s := newTestServer(t, WithRegistry(registry))

	s.check(bg(), []byte(challengeFlag))
	s.check(bg(), wrongFlag())
	s.check(bg(), wrongFlag())
	s.check(bg(), nil)

	tests := []struct {
		verdict string
		want    float64
	}{
		{verdictAccepted, 1},
		{verdictRejected, 2},
		{verdictFailed, 0},
		{verdictInvalid, 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(s.metrics.checks.WithLabelValues(tt.verdict)); got != tt.want {
			t.Errorf("checks_total{verdict=%q} = %v, want %v", tt.verdict, got, tt.want)
		}
	}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	resp, err := ts.Client().Get(ts.URL + metricsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`dwexpr_checks_total{verdict="accepted"} 1`, "dwexpr_check_steps_count 3"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestNew_InvalidBundle(t *testing.T) {
	b := *testBundle
	b.StepLimit = 0
	if _, err := New(&b, WithRegistry(prometheus.NewRegistry())); err == nil {
		t.Error("New() with an invalid bundle should fail")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want connect.Code
	}{
		{ErrEmptyCandidate, connect.CodeInvalidArgument},
		{fmt.Errorf("%w: 60 bytes", ErrCandidateTooLong), connect.CodeInvalidArgument},
		{fmt.Errorf("%w: truncated", ErrInvalidCode), connect.CodeInvalidArgument},
		{context.Canceled, connect.CodeCanceled},
		{context.DeadlineExceeded, connect.CodeDeadlineExceeded},
		{ErrWorkerStopped, connect.CodeUnavailable},
		{errors.New("boom"), connect.CodeInternal},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
