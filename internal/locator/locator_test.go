package locator_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthanc-helper/internal/locator"
	"orthanc-helper/internal/orthanc"
	"orthanc-helper/internal/orthanc/orthanctest"
	"orthanc-helper/internal/study"
)

func setup(t *testing.T) (*orthanctest.Server, *locator.Locator) {
	t.Helper()
	srv := orthanctest.NewServer(t)
	client := orthanc.NewClient(orthanc.Options{BaseURL: srv.URL})
	return srv, locator.New(client, nil)
}

func day(d int) study.Date {
	return study.NewDate(2024, time.March, d)
}

func TestFindLocal(t *testing.T) {
	srv, loc := setup(t)
	srv.AddStudy(orthanctest.Study{ID: "a", PatientName: "DOE^JOHN", StudyDate: "20240301", StudyTime: "080000"})
	srv.AddStudy(orthanctest.Study{ID: "b", PatientName: "ROE^JANE", StudyDate: "20240302"})
	srv.AddStudy(orthanctest.Study{ID: "c", PatientName: "POE^EDGAR", StudyDate: "20240301"})

	found, err := loc.Find(context.Background(), day(1), study.Local)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "a", found[0].ID)
	assert.Equal(t, "DOE^JOHN", found[0].PatientName)
	assert.Equal(t, "080000", found[0].StudyTime)
	assert.Equal(t, "c", found[1].ID)
	assert.True(t, found[0].Source.IsLocal())
	assert.False(t, found[0].IsRemote())
}

func TestFindEmptyDay(t *testing.T) {
	_, loc := setup(t)

	found, err := loc.Find(context.Background(), day(5), study.Local)
	require.NoError(t, err)
	assert.NotNil(t, found)
	assert.Empty(t, found)
}

func TestFindRangeQueriesEachDayInOrder(t *testing.T) {
	srv, loc := setup(t)
	srv.AddStudy(orthanctest.Study{ID: "late", StudyDate: "20240303"})
	srv.AddStudy(orthanctest.Study{ID: "early", StudyDate: "20240301"})

	rng, err := study.NewDateRange(day(1), day(3))
	require.NoError(t, err)

	found, err := loc.FindRange(context.Background(), rng, study.Local)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "early", found[0].ID)
	assert.Equal(t, "late", found[1].ID)
	assert.Equal(t, 3, srv.CallCount(http.MethodPost, "/tools/find"))
}

func TestFindRangeRejectsInvertedRange(t *testing.T) {
	srv, loc := setup(t)

	_, err := loc.FindRange(context.Background(), study.DateRange{Start: day(3), End: day(1)}, study.Local)
	assert.True(t, errors.Is(err, study.ErrInvalidDate))
	assert.Empty(t, srv.Calls())
}

func TestFindOnModality(t *testing.T) {
	srv, loc := setup(t)
	srv.AddRemoteStudy("CT1", orthanctest.Study{PatientName: "DOE^JOHN", StudyDate: "20240301", StudyInstanceUID: "1.2.3"})
	srv.AddRemoteStudy("CT1", orthanctest.Study{PatientName: "ROE^JANE", StudyDate: "20240301", StudyInstanceUID: "1.2.4"})
	srv.AddRemoteStudy("CT1", orthanctest.Study{PatientName: "POE^EDGAR", StudyDate: "20240302", StudyInstanceUID: "1.2.5"})

	found, err := loc.Find(context.Background(), day(1), study.Modality("CT1"))
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "1.2.3", found[0].ID)
	assert.Equal(t, 0, found[0].AnswerIndex)
	assert.Equal(t, 1, found[1].AnswerIndex)
	assert.NotEmpty(t, found[0].QueryID)
	assert.Equal(t, found[0].QueryID, found[1].QueryID)
	assert.True(t, found[0].IsRemote())
	assert.Equal(t, "CT1", found[0].Source.Modality)
}

func TestFromAnswerWithoutUID(t *testing.T) {
	s := locator.FromAnswer(study.Modality("MR"), "q1", 4, orthanc.Answer{"PatientName": "X"})
	assert.Equal(t, "q1/4", s.ID)
	assert.Equal(t, "q1", s.QueryID)
	assert.Equal(t, 4, s.AnswerIndex)
}

func TestUnknownModalityIsUnreachable(t *testing.T) {
	_, loc := setup(t)

	_, err := loc.Find(context.Background(), day(1), study.Modality("NOPE"))
	assert.True(t, errors.Is(err, locator.ErrSourceUnreachable))

	err = loc.Check(context.Background(), study.Modality("NOPE"))
	assert.True(t, errors.Is(err, locator.ErrSourceUnreachable))
}

func TestCheck(t *testing.T) {
	srv, loc := setup(t)
	srv.AddModality("CT1")

	require.NoError(t, loc.Check(context.Background(), study.Local))
	require.NoError(t, loc.Check(context.Background(), study.Modality("CT1")))

	srv.RequireAuth("orthanc", "secret")
	err := loc.Check(context.Background(), study.Local)
	assert.True(t, errors.Is(err, locator.ErrSourceUnreachable))
	assert.True(t, errors.Is(err, orthanc.ErrUnreachable))
}

func TestCheckClosedServer(t *testing.T) {
	srv, loc := setup(t)
	srv.Close()

	err := loc.Check(context.Background(), study.Local)
	assert.True(t, errors.Is(err, locator.ErrSourceUnreachable))
}

func TestFindByPatient(t *testing.T) {
	srv, loc := setup(t)
	srv.AddStudy(orthanctest.Study{ID: "a", PatientName: "SMITH^JOHN"})
	srv.AddStudy(orthanctest.Study{ID: "b", PatientName: "SMITH^JANE"})
	srv.AddStudy(orthanctest.Study{ID: "c", PatientName: "DOE^JOHN"})

	found, err := loc.FindByPatient(context.Background(), "John Smith")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0].ID)

	found, err = loc.FindByPatient(context.Background(), "smith")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = loc.FindByPatient(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindByPatientWithPunctuation(t *testing.T) {
	srv, loc := setup(t)
	srv.AddStudy(orthanctest.Study{ID: "a", PatientName: "SMITH-JONES^ANN"})
	srv.AddStudy(orthanctest.Study{ID: "b", PatientName: "O'BRIEN^PAT"})
	srv.AddStudy(orthanctest.Study{ID: "c", PatientName: "JONES^TOM"})

	tests := []struct {
		filter string
		want   []string
	}{
		{filter: "smith-jones", want: []string{"a"}},
		{filter: "Ann Smith-Jones", want: []string{"a"}},
		{filter: "O'Brien", want: []string{"b"}},
		{filter: "pat o'brien", want: []string{"b"}},
		{filter: "jones", want: []string{"a", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			found, err := loc.FindByPatient(context.Background(), tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, s := range found {
				ids = append(ids, s.ID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestAll(t *testing.T) {
	srv, loc := setup(t)
	srv.AddStudy(orthanctest.Study{ID: "a", StudyDate: "20240101"})
	srv.AddStudy(orthanctest.Study{ID: "b", StudyDate: "20240202"})

	found, err := loc.All(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "a", found[0].ID)
	assert.Equal(t, "20240202", found[1].StudyDate)
}

func TestAllFallsBackToListing(t *testing.T) {
	srv, loc := setup(t)
	srv.AddStudy(orthanctest.Study{ID: "a", PatientName: "DOE^JOHN"})
	srv.FailOn(http.MethodPost, "/tools/find", http.StatusNotFound)

	found, err := loc.All(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "DOE^JOHN", found[0].PatientName)
	assert.Equal(t, 1, srv.CallCount(http.MethodGet, "/studies/a"))
}
