package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orthanc-helper/internal/batch"
	"orthanc-helper/internal/config"
	"orthanc-helper/internal/locator"
	"orthanc-helper/internal/orthanc/orthanctest"
	"orthanc-helper/internal/study"
)

var (
	doe = orthanctest.Study{
		ID: "s1", PatientName: "DOE^JOHN", PatientID: "P1",
		StudyDate: "20240301", StudyTime: "101500", StudyInstanceUID: "1.2.1",
	}
	roe = orthanctest.Study{
		ID: "s2", PatientName: "ROE^JANE", PatientID: "P2",
		StudyDate: "20240302", StudyTime: "083000", StudyInstanceUID: "1.2.2",
	}
)

type harness struct {
	srv *orthanctest.Server
	fs  afero.Fs
}

func newHarness(t *testing.T, studies ...orthanctest.Study) *harness {
	t.Helper()
	srv := orthanctest.NewServer(t)
	for _, s := range studies {
		srv.AddStudy(s)
	}
	return &harness{srv: srv, fs: afero.NewMemMapFs()}
}

// run executes one command line against the fake archive and returns what
// it printed.
func (h *harness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	return h.runContext(context.Background(), t, stdin, args...)
}

func (h *harness) runContext(ctx context.Context, t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	u, err := url.Parse(h.srv.URL)
	require.NoError(t, err)

	root := NewRootCmd(Options{Fs: h.fs, Logger: zap.NewNop()})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--host", u.Hostname(), "--port", u.Port()))
	err = root.ExecuteContext(ctx)
	return out.String(), err
}

func TestListAll(t *testing.T) {
	h := newHarness(t, doe, roe)

	out, err := h.run(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "DOE^JOHN")
	assert.Contains(t, out, "ROE^JANE")
	assert.Contains(t, out, "2 studies on local archive")
}

func TestListByDateAndPatient(t *testing.T) {
	h := newHarness(t, doe, roe)

	out, err := h.run(t, "", "list", "--from", "2024-03-01", "--to", "2024-03-02", "--patient", "jane roe")
	require.NoError(t, err)
	assert.Contains(t, out, "ROE^JANE")
	assert.NotContains(t, out, "DOE^JOHN")
	assert.Equal(t, 2, h.srv.CallCount(http.MethodPost, "/tools/find"))
}

func TestListModalityNeedsDates(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "", "list", "--modality", "CT1")
	assert.True(t, errors.Is(err, batch.ErrInvalidAction))
}

func TestInvalidDate(t *testing.T) {
	h := newHarness(t, doe)

	_, err := h.run(t, "", "download", "--date", "not a date", "--dest", "/dl")
	assert.True(t, errors.Is(err, study.ErrInvalidDate))
	assert.Equal(t, 0, h.srv.CallCount(http.MethodPost, "/tools/find"))
}

func TestUnreachableArchive(t *testing.T) {
	h := newHarness(t)
	h.srv.Close()

	_, err := h.run(t, "", "list")
	assert.True(t, errors.Is(err, locator.ErrSourceUnreachable))

	var buf bytes.Buffer
	reportError(&buf, err)
	assert.Contains(t, buf.String(), "check the host")
}

func TestDownload(t *testing.T) {
	h := newHarness(t, doe, roe)

	out, err := h.run(t, "", "download", "--date", "20240301", "--dest", "/dl")
	require.NoError(t, err)
	assert.Contains(t, out, "Complete! 1 succeeded")

	files, err := afero.Glob(h.fs, "/dl/*.zip")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0], "/dl/20240301_101500_DOE_JOHN_"))
	data, err := afero.ReadFile(h.fs, files[0])
	require.NoError(t, err)
	assert.Equal(t, orthanctest.ArchiveBytes("s1"), data)
}

func TestCopyNeedsDirection(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "", "copy", "--date", "20240301")
	assert.True(t, errors.Is(err, batch.ErrInvalidAction))
}

func TestCopyFromModalityUsesArchiveAET(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRemoteStudy("CT1", orthanctest.Study{
		PatientName: "DOE^JOHN", StudyDate: "20240301", StudyTime: "101500", StudyInstanceUID: "1.2.3",
	})

	out, err := h.run(t, "", "copy", "--date", "2024-03-01", "--modality", "CT1")
	require.NoError(t, err)
	assert.Contains(t, out, "ORTHANC")
	assert.Contains(t, out, "Complete! 1 succeeded")
	assert.True(t, h.srv.HasStudy("ret-1.2.3"))
}

func TestCopyToModality(t *testing.T) {
	h := newHarness(t, doe)
	h.srv.AddModality("PACS2")

	_, err := h.run(t, "", "copy", "--date", "20240301", "--to-modality", "PACS2")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, h.srv.StoredTo("PACS2"))
}

func TestDeleteByDate(t *testing.T) {
	h := newHarness(t, doe, roe)

	_, err := h.run(t, "", "delete", "--date", "20240302")
	require.NoError(t, err)
	assert.True(t, h.srv.HasStudy("s1"))
	assert.False(t, h.srv.HasStudy("s2"))
}

func TestDeleteAllNeedsConfirmation(t *testing.T) {
	h := newHarness(t, doe, roe)

	_, err := h.run(t, "", "delete", "--all")
	assert.True(t, errors.Is(err, batch.ErrInvalidAction))
	assert.Len(t, h.srv.Studies(), 2)

	out, err := h.run(t, "", "delete", "--all", "--yes")
	require.NoError(t, err)
	assert.Empty(t, h.srv.Studies())
	assert.Contains(t, out, "Complete! 2 succeeded")
}

func TestFailuresGoToErrorLog(t *testing.T) {
	h := newHarness(t, doe)
	h.srv.FailOn(http.MethodDelete, "/studies/s1", http.StatusInternalServerError)

	out, err := h.run(t, "", "delete", "--date", "20240301")
	assert.True(t, errors.Is(err, batch.ErrPartialFailure))
	assert.Contains(t, out, "1 errors logged to errors.log")

	logged, err := afero.ReadFile(h.fs, "errors.log")
	require.NoError(t, err)
	assert.Contains(t, string(logged), "| delete | DOE^JOHN 20240301 101500 [s1] |")
}

func TestAnonymizeByPatient(t *testing.T) {
	h := newHarness(t, doe, roe)

	out, err := h.run(t, "", "anonymize", "--patient", "john doe", "--dest", "/anon")
	require.NoError(t, err)
	assert.Contains(t, out, "Complete! 1 succeeded")

	files, err := afero.Glob(h.fs, "/anon/*.zip")
	require.NoError(t, err)
	assert.Len(t, files, 1)
	// Originals stay, the anonymized copy is gone.
	assert.Len(t, h.srv.Studies(), 2)
	assert.True(t, h.srv.HasStudy("s1"))
}

func TestAnonymizePickOutOfRange(t *testing.T) {
	h := newHarness(t, doe)

	_, err := h.run(t, "", "anonymize", "--patient", "doe", "--dest", "/anon", "--pick", "3")
	assert.True(t, errors.Is(err, batch.ErrInvalidAction))
	assert.Equal(t, 0, h.srv.CallCount(http.MethodPost, "/studies/"))
}

func TestAnonymizePickSelectsOneStudy(t *testing.T) {
	second := doe
	second.ID, second.StudyDate, second.StudyInstanceUID = "s3", "20240305", "1.2.3"
	h := newHarness(t, doe, second)

	out, err := h.run(t, "", "anonymize", "--patient", "doe", "--dest", "/anon", "--pick", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "2 studies match")
	assert.Equal(t, 1, h.srv.CallCount(http.MethodPost, "/studies/s3/anonymize"))
	assert.Equal(t, 0, h.srv.CallCount(http.MethodPost, "/studies/s1/anonymize"))
}

func TestAnonymizeWithMapping(t *testing.T) {
	h := newHarness(t, doe)

	out, err := h.run(t, "", "anonymize", "--date", "20240301", "--dest", "/anon",
		"--mapping", "/secure/mapping.json", "--key", "k1")
	require.NoError(t, err)
	assert.Contains(t, out, "ANON-000001")
	assert.Contains(t, out, "Patients:")
	assert.NotContains(t, out, "auto-generated")

	exists, err := afero.Exists(h.fs, "/secure/mapping.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAnonymizeExistingMappingNeedsKey(t *testing.T) {
	h := newHarness(t, doe)

	out, err := h.run(t, "", "anonymize", "--date", "20240301", "--dest", "/anon", "--mapping", "/secure/mapping.json")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-generated")
	before, err := afero.ReadFile(h.fs, "/secure/mapping.json")
	require.NoError(t, err)

	_, err = h.run(t, "", "anonymize", "--date", "20240301", "--dest", "/anon", "--mapping", "/secure/mapping.json")
	assert.True(t, errors.Is(err, batch.ErrInvalidAction), "got %v", err)
	assert.Equal(t, 1, h.srv.CallCount(http.MethodPost, "/studies/s1/anonymize"))

	after, err := afero.ReadFile(h.fs, "/secure/mapping.json")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpload(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.fs, "/in/a.dcm", []byte("one"), 0o644))
	require.NoError(t, afero.WriteFile(h.fs, "/in/sub/b.zip", []byte("two"), 0o644))
	require.NoError(t, afero.WriteFile(h.fs, "/in/readme.txt", []byte("three"), 0o644))

	out, err := h.run(t, "", "upload", "/in", "--resume")
	require.NoError(t, err)
	assert.Contains(t, out, "Complete! 2 succeeded")
	assert.Equal(t, 2, h.srv.CallCount(http.MethodPost, "/instances"))

	out, err = h.run(t, "", "upload", "/in", "--resume")
	require.NoError(t, err)
	assert.Contains(t, out, "0 succeeded, 0 unchanged, 2 skipped")
	assert.Equal(t, 2, h.srv.CallCount(http.MethodPost, "/instances"))
}

func TestUploadFailureFailsCommand(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.fs, "/in/a.dcm", []byte("one"), 0o644))
	h.srv.FailOn(http.MethodPost, "/instances", http.StatusInternalServerError)

	_, err := h.run(t, "", "upload", "/in")
	assert.True(t, errors.Is(err, batch.ErrPartialFailure))
}

func TestUploadWatchKeepsEarlierFailures(t *testing.T) {
	h := newHarness(t)
	h.fs = afero.NewOsFs()
	dir := t.TempDir()
	t.Setenv("ORTHANC_ERROR_LOG", filepath.Join(dir, "logs", "errors.log"))
	in := filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.dcm"), []byte("one"), 0o644))
	h.srv.FailOn(http.MethodPost, "/instances", http.StatusInternalServerError)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	out, err := h.runContext(ctx, t, "", "upload", in, "--watch", "--settle", "100ms")
	assert.True(t, errors.Is(err, batch.ErrPartialFailure), "got %v", err)
	assert.Contains(t, out, "Watching")
	assert.Contains(t, out, "1 errors logged to")
}

func TestConfigShowMasksPassword(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "", "config", "show", "--password", "secret", "--user", "orthanc")
	require.NoError(t, err)
	assert.Contains(t, out, "username: orthanc")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "secret")
}

func TestConfigInit(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "https\npacs.local\n8043\nadmin\npw\n", "config", "init", "--path", "/cfg/orthanc.yaml")
	require.NoError(t, err)

	cfg, err := config.Load(config.LoadOptions{File: "/cfg/orthanc.yaml", Fs: h.fs})
	require.NoError(t, err)
	assert.Equal(t, "https://pacs.local:8043", cfg.URL())
	assert.Equal(t, "admin", cfg.Username)
	assert.Equal(t, "pw", cfg.Password)
}

func TestDateFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   dateFlags
		want    string
		wantErr bool
	}{
		{name: "single", flags: dateFlags{date: "2024-03-01"}, want: "20240301"},
		{name: "from only", flags: dateFlags{from: "20240301"}, want: "20240301"},
		{name: "range", flags: dateFlags{from: "20240301", to: "03/05/2024"}, want: "20240301-20240305"},
		{name: "inverted", flags: dateFlags{from: "20240305", to: "20240301"}, wantErr: true},
		{name: "none", flags: dateFlags{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, err := tt.flags.rangeOf()
			if tt.wantErr {
				assert.True(t, errors.Is(err, study.ErrInvalidDate))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rng.String())
		})
	}
}
