package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modulant/pkg/traffic"
)

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Requested-With", r.Header.Get("X-Requested-With"))
		w.Header().Set("X-Seen-Custom", r.Header.Get("X-Custom"))
		w.Header().Set("X-Seen-Method", r.Method)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
		}
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func next(t *testing.T, ch Channel) Envelope {
	t.Helper()
	select {
	case env := <-ch.Inbox():
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
		return Envelope{}
	}
}

func expectSilence(t *testing.T, ch Channel) {
	t.Helper()
	select {
	case env := <-ch.Inbox():
		t.Fatalf("unexpected message %s", env.Data)
	case <-time.After(150 * time.Millisecond):
	}
}

func expectReady(t *testing.T, ch Channel) {
	t.Helper()
	env := next(t, ch)
	assert.Equal(t, ch.Origin(), env.Origin)
	kind, sig := Classify(env.Data)
	require.Equal(t, KindSignal, kind)
	require.Equal(t, SignalReady, sig)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
		sig  string
	}{
		{`"modulant:ready"`, KindSignal, SignalReady},
		{`{"type":"proxy","id":1,"url":"http://x"}`, KindProxy, ""},
		{`{"id":1,"status":200}`, KindResult, ""},
		{`{"foo":1}`, KindInvalid, ""},
		{`not json`, KindInvalid, ""},
		{`42`, KindInvalid, ""},
	}
	for _, c := range cases {
		kind, sig := Classify([]byte(c.in))
		assert.Equal(t, c.kind, kind, c.in)
		assert.Equal(t, c.sig, sig, c.in)
	}
}

func TestResultWireFormat(t *testing.T) {
	data, err := EncodeResult(ResultMessage{ID: 7, Error: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"error":"boom"}`, string(data))

	data, err = EncodeProxy(9, "http://a/b", traffic.Init{Method: "POST", Body: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"proxy","id":9,"url":"http://a/b","init":{"method":"POST","body":"x"}}`, string(data))

	_, err = DecodeResult([]byte(`{"id":1}`))
	assert.ErrorIs(t, err, ErrMalformed)

	id, ok := ResultID([]byte(`{"id":12,"status":200}`))
	assert.True(t, ok)
	assert.EqualValues(t, 12, id)
}

func TestLocalProxyRoundTrip(t *testing.T) {
	srv := upstream(t)
	ch := NewLocal(FrameConfig{DefaultHeaders: map[string]string{"X-Custom": "yes", "X-Requested-With": "overridden"}})
	defer ch.Close()
	assert.True(t, strings.HasPrefix(ch.Origin(), LocalScheme))
	expectReady(t, ch)

	msg, err := EncodeProxy(1, srv.URL+"/data", traffic.Init{Method: "post", Headers: traffic.Header{"x-custom": "from-init"}})
	require.NoError(t, err)
	require.NoError(t, ch.Post(msg))

	res, err := DecodeResult(next(t, ch).Data)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ID)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "hello /data", res.Body)
	assert.Equal(t, "XMLHttpRequest", res.Headers.Get("x-seen-requested-with"))
	assert.Equal(t, "yes", res.Headers.Get("x-seen-custom"))
	assert.Equal(t, "POST", res.Headers.Get("x-seen-method"))
}

func TestLocalReportsStatusAndErrors(t *testing.T) {
	srv := upstream(t)
	ch := NewLocal(FrameConfig{})
	defer ch.Close()
	expectReady(t, ch)

	msg, _ := EncodeProxy(2, srv.URL+"/missing", traffic.Init{})
	require.NoError(t, ch.Post(msg))
	res, err := DecodeResult(next(t, ch).Data)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)

	msg, _ = EncodeProxy(3, "http://127.0.0.1:1/unreachable", traffic.Init{})
	require.NoError(t, ch.Post(msg))
	res, err = DecodeResult(next(t, ch).Data)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.ID)
	assert.NotEmpty(t, res.Error)
}

func TestLocalTestEvent(t *testing.T) {
	ch := NewLocal(FrameConfig{})
	defer ch.Close()
	expectReady(t, ch)

	require.NoError(t, ch.Post(EncodeSignal(SignalTest)))
	kind, sig := Classify(next(t, ch).Data)
	assert.Equal(t, KindSignal, kind)
	assert.Equal(t, SignalTestAck, sig)
}

func TestLocalIgnoresForeignOriginAndGarbage(t *testing.T) {
	ch := NewLocal(FrameConfig{})
	defer ch.Close()
	expectReady(t, ch)

	require.NoError(t, ch.PostAs("http://evil.example", EncodeSignal(SignalTest)))
	require.NoError(t, ch.Post([]byte("{not json")))
	require.NoError(t, ch.Post([]byte(`{"type":"proxy","id":5}`)))
	expectSilence(t, ch)
}

func TestLocalInjectedScriptFailureStillReady(t *testing.T) {
	ch := NewLocal(FrameConfig{InjectScript: "throw new Error('bad')"})
	defer ch.Close()
	expectReady(t, ch)
}

func TestLocalClosed(t *testing.T) {
	ch := NewLocal(FrameConfig{})
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Post(EncodeSignal(SignalTest)), ErrClosed)
	select {
	case <-ch.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	target := upstream(t)
	frameSrv := httptest.NewServer(NewServer(FrameConfig{}, []string{"http://app.example"}))
	defer frameSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(frameSrv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := Dial(ctx, wsURL, "http://app.example", nil)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, frameSrv.URL, r.Origin())
	expectReady(t, r)

	require.NoError(t, r.Post(EncodeSignal(SignalTest)))
	_, sig := Classify(next(t, r).Data)
	assert.Equal(t, SignalTestAck, sig)

	msg, _ := EncodeProxy(11, target.URL+"/remote", traffic.Init{})
	require.NoError(t, r.Post(msg))
	res, err := DecodeResult(next(t, r).Data)
	require.NoError(t, err)
	assert.EqualValues(t, 11, res.ID)
	assert.Equal(t, "hello /remote", res.Body)
}

func TestRemoteRejectsUnknownOrigin(t *testing.T) {
	frameSrv := httptest.NewServer(NewServer(FrameConfig{}, []string{"http://app.example"}))
	defer frameSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(frameSrv.URL, "http")

	_, err := Dial(context.Background(), wsURL, "http://evil.example", nil)
	require.Error(t, err)

	_, err = Dial(context.Background(), "ftp://host/x", "", nil)
	require.Error(t, err)
}
