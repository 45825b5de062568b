package study

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "dicom form", input: "20240131", want: "20240131"},
		{name: "iso form", input: "2024-01-31", want: "20240131"},
		{name: "us form", input: "01/31/2024", want: "20240131"},
		{name: "surrounding spaces", input: "  20240229 ", want: "20240229"},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "not a date", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDate(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidDate))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestDateRangeDates(t *testing.T) {
	r, err := NewDateRange(NewDate(2024, time.February, 28), NewDate(2024, time.March, 1))
	require.NoError(t, err)

	var got []string
	for _, d := range r.Dates() {
		got = append(got, d.String())
	}
	assert.Equal(t, []string{"20240228", "20240229", "20240301"}, got)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, "20240228-20240301", r.String())
}

func TestDateRangeSingleDay(t *testing.T) {
	r := SingleDay(NewDate(2024, time.January, 1))
	require.NoError(t, r.Validate())
	assert.Len(t, r.Dates(), 1)
	assert.Equal(t, "20240101", r.String())
}

func TestDateRangeInvalid(t *testing.T) {
	_, err := NewDateRange(NewDate(2024, time.January, 3), NewDate(2024, time.January, 1))
	assert.True(t, errors.Is(err, ErrInvalidDate))

	assert.True(t, errors.Is(DateRange{}.Validate(), ErrInvalidDate))
	assert.Empty(t, DateRange{Start: NewDate(2024, 1, 3), End: NewDate(2024, 1, 1)}.Dates())
}

func TestResolveName(t *testing.T) {
	tests := []struct {
		name  string
		study Study
		want  string
	}{
		{
			name:  "complete study",
			study: Study{ID: "a1b2c3d4-e5f6", PatientName: "DOE^JOHN^^", StudyDate: "20240101", StudyTime: "101500.123"},
			want:  "20240101_101500_DOE_JOHN_a1b2c3d4",
		},
		{
			name:  "everything missing",
			study: Study{},
			want:  "00000000_000000_UNKNOWN",
		},
		{
			name:  "accents and punctuation",
			study: Study{ID: "x", PatientName: "O'Brien^Jörg Marie", StudyDate: "20231231", StudyTime: "0930"},
			want:  "20231231_093000_O-Brien_Jorg-Marie_x",
		},
		{
			name:  "malformed date and time",
			study: Study{ID: "id", PatientName: "ROE", StudyDate: "2024-01-01", StudyTime: "abc"},
			want:  "00000000_000000_ROE_id",
		},
		{
			name:  "hour only",
			study: Study{ID: "id", PatientName: "ROE", StudyDate: "20240101", StudyTime: "07"},
			want:  "20240101_070000_ROE_id",
		},
		{
			name:  "path separators in name",
			study: Study{ID: "../etc", PatientName: "../../passwd", StudyDate: "20240101", StudyTime: "120000"},
			want:  "20240101_120000_passwd_etc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveName(tt.study)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want+".zip", ArchiveFileName(tt.study))
		})
	}
}

func TestResolveNameSortsByDate(t *testing.T) {
	studies := []Study{
		{ID: "3", PatientName: "AARON", StudyDate: "20240103", StudyTime: "080000"},
		{ID: "1", PatientName: "ZED", StudyDate: "20240101", StudyTime: "235959"},
		{ID: "2", PatientName: "MIKE", StudyDate: "20240102", StudyTime: "000001"},
	}
	var names []string
	for _, s := range studies {
		names = append(names, ResolveName(s))
	}
	sort.Strings(names)

	assert.Equal(t, "20240101_235959_ZED_1", names[0])
	assert.Equal(t, "20240102_000001_MIKE_2", names[1])
	assert.Equal(t, "20240103_080000_AARON_3", names[2])
}

func TestResolveNameIsDeterministic(t *testing.T) {
	s := Study{ID: "abcdef0123456789", PatientName: "DOE^JANE", StudyDate: "20240101", StudyTime: "101010"}
	assert.Equal(t, ResolveName(s), ResolveName(s))
}

func TestPatientMatches(t *testing.T) {
	tests := []struct {
		filter string
		name   string
		want   bool
	}{
		{filter: "", name: "DOE^JOHN", want: true},
		{filter: "doe", name: "DOE^JOHN", want: true},
		{filter: "Smi", name: "SMITH^JOHN", want: true},
		{filter: "John Smith", name: "SMITH^JOHN", want: true},
		{filter: "Smith^John", name: "SMITH^JOHN", want: true},
		{filter: "muller", name: "MÜLLER^JÖRG", want: true},
		{filter: "Smith^Jane", name: "SMITH^JOHN", want: false},
		{filter: "roe", name: "DOE^JOHN", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PatientMatches(tt.filter, tt.name))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, NormalizeName("SMITH^JOHN"), NormalizeName("John Smith"))
	assert.Equal(t, NormalizeName("smith, john"), NormalizeName("John Smith"))
	assert.Equal(t, "", NormalizeName(""))
}

func TestWildcardQuery(t *testing.T) {
	assert.Equal(t, "*", WildcardQuery(""))
	assert.Equal(t, "*DOE*", WildcardQuery("doe"))
	assert.Equal(t, "*SMITH*", WildcardQuery("Jo Smith"))
	assert.Equal(t, "*SMITH*JONES*", WildcardQuery("smith-jones"))
	assert.Equal(t, "*O*BRIEN*", WildcardQuery("O'Brien"))
	assert.Equal(t, "*MULLER*", WildcardQuery("Müller"))
	assert.Equal(t, "*", WildcardQuery("- '"))
}

func TestSourceAndLabel(t *testing.T) {
	assert.True(t, Local.IsLocal())
	assert.Equal(t, "local archive", Local.String())
	assert.Equal(t, "modality CT1", Modality(" CT1 ").String())

	s := Study{ID: "s1", PatientName: "DOE^JOHN^", StudyDate: "20240101"}
	assert.Equal(t, "DOE^JOHN 20240101 [s1]", s.Label())
	assert.False(t, s.IsRemote())
}
