package orthanc_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthanc-helper/internal/orthanc"
	"orthanc-helper/internal/orthanc/orthanctest"
)

func newClient(srv *orthanctest.Server) *orthanc.Client {
	return orthanc.NewClient(orthanc.Options{
		BaseURL:  srv.URL,
		Username: "orthanc",
		Password: "secret",
	})
}

func TestSystemWithCredentials(t *testing.T) {
	srv := orthanctest.NewServer(t)
	srv.RequireAuth("orthanc", "secret")

	info, err := newClient(srv).System(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ORTHANC", info.DicomAet)

	bad := orthanc.NewClient(orthanc.Options{BaseURL: srv.URL, Username: "orthanc", Password: "wrong"})
	_, err = bad.System(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, orthanc.ErrUnreachable), "401 should count as unreachable: %v", err)

	var apiErr *orthanc.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestTransportFailureIsUnreachable(t *testing.T) {
	srv := orthanctest.NewServer(t)
	client := newClient(srv)
	srv.Close()

	_, err := client.ListStudies(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, orthanc.ErrUnreachable))
}

func TestFindAndGetStudy(t *testing.T) {
	srv := orthanctest.NewServer(t)
	srv.AddStudy(orthanctest.Study{ID: "s1", PatientName: "DOE^JOHN", StudyDate: "20240101", StudyTime: "101500"})
	srv.AddStudy(orthanctest.Study{ID: "s2", PatientName: "ROE^JANE", StudyDate: "20240102"})
	client := newClient(srv)
	ctx := context.Background()

	found, err := client.FindStudies(ctx, map[string]string{"StudyDate": "20240101"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "s1", found[0].ID)
	assert.Equal(t, "DOE^JOHN", found[0].PatientMainTags.PatientName)
	assert.Equal(t, "101500", found[0].MainTags.StudyTime)

	none, err := client.FindStudies(ctx, map[string]string{"StudyDate": "19990101"})
	require.NoError(t, err)
	assert.Empty(t, none)

	details, err := client.GetStudy(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "20240102", details.MainTags.StudyDate)

	_, err = client.GetStudy(ctx, "missing")
	assert.True(t, errors.Is(err, orthanc.ErrNotFound))
}

func TestModalityQueryAndRetrieve(t *testing.T) {
	srv := orthanctest.NewServer(t)
	srv.AddRemoteStudy("CT1", orthanctest.Study{PatientName: "DOE^JOHN", StudyDate: "20240101", StudyInstanceUID: "1.2.3"})
	client := newClient(srv)
	ctx := context.Background()

	require.NoError(t, client.EchoModality(ctx, "CT1"))
	assert.True(t, errors.Is(client.EchoModality(ctx, "NOPE"), orthanc.ErrNotFound))

	queryID, err := client.QueryModality(ctx, "CT1", orthanc.QueryRequest{
		Level: "Study",
		Query: map[string]string{"StudyDate": "20240101"},
	})
	require.NoError(t, err)

	answers, err := client.QueryAnswers(ctx, queryID)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "1.2.3", answers[0]["StudyInstanceUID"])
	_, hasSequence := answers[0]["ReferencedStudySequence"]
	assert.False(t, hasSequence)

	require.NoError(t, client.RetrieveAnswer(ctx, queryID, 0, "ORTHANC"))
	assert.True(t, srv.HasStudy("ret-1.2.3"))

	err = client.RetrieveAnswer(ctx, queryID, 5, "ORTHANC")
	assert.True(t, errors.Is(err, orthanc.ErrNotFound))
}

func TestUploadInstance(t *testing.T) {
	srv := orthanctest.NewServer(t)
	client := newClient(srv)
	ctx := context.Background()

	results, err := client.UploadInstance(ctx, strings.NewReader("dicom-bytes"), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, orthanc.UploadSuccess, results[0].Status)

	results, err = client.UploadInstance(ctx, strings.NewReader("dicom-bytes"), false)
	require.NoError(t, err)
	assert.Equal(t, orthanc.UploadAlreadyStored, results[0].Status)

	results, err = client.UploadInstance(ctx, strings.NewReader("zip-bytes"), true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, orthanc.UploadSuccess, results[0].Status)
}

func TestArchiveAnonymizeDelete(t *testing.T) {
	srv := orthanctest.NewServer(t)
	srv.AddStudy(orthanctest.Study{ID: "s1", PatientName: "DOE^JOHN", StudyDate: "20240101"})
	client := newClient(srv)
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := client.DownloadStudyArchive(ctx, "s1", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, orthanctest.ArchiveBytes("s1"), buf.Bytes())

	resp, err := client.AnonymizeStudy(ctx, "s1", orthanc.AnonymizeRequest{
		Replace: map[string]string{"PatientName": "ANON-000001"},
		Force:   true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, "s1", resp.ID)

	anon, err := client.GetStudy(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "ANON-000001", anon.PatientMainTags.PatientName)

	require.NoError(t, client.DeleteStudy(ctx, resp.ID))
	assert.False(t, srv.HasStudy(resp.ID))
	assert.True(t, srv.HasStudy("s1"))

	err = client.DeleteStudy(ctx, resp.ID)
	assert.True(t, errors.Is(err, orthanc.ErrNotFound))
}

func TestAPIErrorKeepsBody(t *testing.T) {
	srv := orthanctest.NewServer(t)
	srv.FailOn(http.MethodGet, "/studies", http.StatusInternalServerError)

	_, err := newClient(srv).ListStudies(context.Background())
	var apiErr *orthanc.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "injected failure")
	assert.False(t, errors.Is(err, orthanc.ErrNotFound))
	assert.False(t, errors.Is(err, orthanc.ErrUnreachable))
}
