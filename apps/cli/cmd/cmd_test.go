package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/hitcapture/packages/certauth"
	"github.com/abdul-hamid-achik/hitcapture/packages/core/config"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink"
)

func serveOnce(t *testing.T, cfg *config.Config, echo bool, do func(proxyURL *url.URL)) (*serveResult, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	result, err := runServe(ctx, serveOptions{
		cfg:     cfg,
		log:     logger.NewNop(),
		out:     &out,
		echo:    echo,
		mitm:    false,
		capture: true,
		onReady: func(u *url.URL) {
			do(u)
			cancel()
		},
	})
	require.NoError(t, err)
	return result, out.String()
}

func proxiedGet(t *testing.T, proxyURL *url.URL, target string) {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(target)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestRunServe_WritesHAR(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()

	result, echoed := serveOnce(t, cfg, true, func(u *url.URL) {
		proxiedGet(t, u, backend.URL+"/items")
	})

	require.NotNil(t, result.artifact)
	require.Len(t, result.artifact.Entries(), 1)
	assert.Equal(t, filepath.Dir(result.path), cfg.OutputDir)
	assert.Contains(t, echoed, "GET")
	assert.Contains(t, echoed, backend.URL+"/items")

	data, err := os.ReadFile(result.path)
	require.NoError(t, err)
	require.NoError(t, har.Validate(data))

	h, err := har.Read(bytes.NewReader(data))
	require.NoError(t, err)
	e := h.Entries()[0]
	assert.Equal(t, 200, e.Response.Status)
	assert.Equal(t, `{"ok":true}`, string(e.Response.Content.Body()))
}

func TestRunServe_SQLiteFormat(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Format = "sqlite"

	result, _ := serveOnce(t, cfg, false, func(u *url.URL) {
		proxiedGet(t, u, backend.URL+"/a")
		proxiedGet(t, u, backend.URL+"/b")
	})
	assert.True(t, strings.HasSuffix(result.path, ".db"))

	client, err := sink.NewClient(result.path)
	require.NoError(t, err)
	defer client.Close()
	rows, err := client.Query("SELECT status FROM entries")
	require.NoError(t, err)
	require.Len(t, rows.Rows, 2)
	assert.Equal(t, int64(204), rows.Rows[0]["status"])
}

func TestRunServe_InvalidFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Format = "xml"

	_, err := runServe(context.Background(), serveOptions{cfg: cfg, log: logger.NewNop(), out: io.Discard, capture: true})
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, exitCode(err))
}

func TestLoadAuthority_CreatesMissingKeystore(t *testing.T) {
	if testing.Short() {
		t.Skip("generates an RSA key")
	}
	path := filepath.Join(t.TempDir(), "ca.json")

	a, err := loadAuthority(path, logger.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.FileExists(t, path)

	again, err := loadAuthority(path, logger.NewNop())
	require.NoError(t, err)
	defer again.Close()
	assert.True(t, again.Generated())

	first, err := a.Acquire()
	require.NoError(t, err)
	second, err := again.Acquire()
	require.NoError(t, err)
	assert.Equal(t, first.Keystore, second.Keystore)
}

func TestExportAuthority(t *testing.T) {
	if testing.Short() {
		t.Skip("generates an RSA key")
	}
	dir := t.TempDir()
	dest := filepath.Join(dir, "ca.json")
	pemPath := filepath.Join(dir, "ca.pem")
	var out bytes.Buffer

	require.NoError(t, exportAuthority(dest, "", pemPath, false, logger.NewNop(), &out))
	assert.Contains(t, out.String(), "Keystore: "+dest)
	assert.Contains(t, out.String(), "Certificate: "+pemPath)

	pem, err := os.ReadFile(pemPath)
	require.NoError(t, err)
	assert.Contains(t, string(pem), "BEGIN CERTIFICATE")

	var form certauth.SerializableForm
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &form))
	assert.NotEmpty(t, form.KeystoreBase64)

	err = exportAuthority(dest, "", "", false, logger.NewNop(), &out)
	assert.Equal(t, ExitUsageError, exitCode(err))

	copyPath := filepath.Join(dir, "copy.json")
	require.NoError(t, exportAuthority(copyPath, dest, "", false, logger.NewNop(), &out))
	copied, err := certauth.LoadFile(copyPath)
	require.NoError(t, err)
	defer copied.Close()
}

func writeHAR(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.har")
	h := har.New("hitcapture", "test")
	content := &har.Content{MimeType: "application/json"}
	content.SetBody([]byte(`{"data":{"id":42}}`))
	h.Log.Entries = append(h.Log.Entries, &har.Entry{
		Time:     5,
		Request:  &har.Request{Method: "GET", URL: "https://api.example/items", Cookies: []har.Cookie{}, Headers: []har.NameValuePair{}, QueryString: []har.NameValuePair{}},
		Response: &har.Response{Status: 200, StatusText: "OK", HTTPVersion: "HTTP/1.1", Cookies: []har.Cookie{}, Headers: []har.NameValuePair{}, Content: content},
		Cache:    &har.Cache{},
		Timings:  &har.Timings{Wait: 5},
	})
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = h.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}

func runInspect(t *testing.T, args ...string) (string, error) {
	t.Helper()
	inspectOutputFlag, inspectExtractFlag, inspectQueryFlag = "console", nil, ""
	inspectSQLFlag, inspectVerboseFlag, inspectNoValidateFlag = "", false, false
	noColorFlag = true

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"inspect"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInspect_Console(t *testing.T) {
	path := writeHAR(t)

	out, err := runInspect(t, path, "--extract", "body:data.id")
	require.NoError(t, err)
	assert.Contains(t, out, "https://api.example/items")
	assert.Contains(t, out, "body:data.id = 42")
	assert.Contains(t, out, "Entries: 1 total")
}

func TestInspect_Query(t *testing.T) {
	out, err := runInspect(t, writeHAR(t), "--query", "log.entries.#.request.url")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example/items\n", out)
}

func TestInspect_JSON(t *testing.T) {
	out, err := runInspect(t, writeHAR(t), "--output", "json")
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Contains(t, parsed, "entries")
}

func TestInspect_InvalidCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.har")
	require.NoError(t, os.WriteFile(path, []byte(`{"log":{}}`), 0644))

	_, err := runInspect(t, path)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidCapture, exitCode(err))
	assert.True(t, errors.Is(err, har.ErrInvalid))
}

func TestInspect_BadExpression(t *testing.T) {
	_, err := runInspect(t, writeHAR(t), "--extract", "cookie:x")
	assert.Equal(t, ExitUsageError, exitCode(err))
}

func TestInspect_Database(t *testing.T) {
	s := &sink.SQLiteSink{Dir: t.TempDir()}
	h := har.New("hitcapture", "test")
	h.Log.Entries = append(h.Log.Entries, &har.Entry{
		Request:  &har.Request{Method: "DELETE", URL: "https://api.example/items/1"},
		Response: &har.Response{Status: 404},
	})
	path, err := s.Write(h)
	require.NoError(t, err)

	out, err := runInspect(t, path)
	require.NoError(t, err)
	assert.Contains(t, out, "id\tstatus\tmethod\turl\ttime_ms")
	assert.Contains(t, out, "404\tDELETE\thttps://api.example/items/1")
	assert.Contains(t, out, "(1 rows)")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "hitcapture version dev")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"localhost", "*.internal"}, splitList(" localhost, ,*.internal "))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, ExitNetworkError, exitCode(withCode(ExitNetworkError, errors.New("bind"))))
	assert.Nil(t, withCode(ExitNetworkError, nil))
}
