package identity

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthanc-helper/internal/study"
)

func TestIdentityHash(t *testing.T) {
	a := IdentityHash("SMITH^JOHN", "19700101", "salt")
	b := IdentityHash("John Smith", "19700101", "salt")
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, IdentityHash("SMITH^JOHN", "19700101", "other"))
	assert.NotEqual(t, a, IdentityHash("SMITH^JOHN", "19700102", "salt"))
}

func TestIsValidIdentity(t *testing.T) {
	tests := []struct {
		name, dob string
		want      bool
	}{
		{"SMITH^JOHN", "19700101", true},
		{"SMITH^JOHN", "", false},
		{"SMITH^JOHN", "19000101", false},
		{"SMITH^JOHN", "1970", false},
		{"Unknown", "19700101", false},
		{"Anonymized", "19700101", false},
		{"AB", "19700101", false},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.dob, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidIdentity(tt.name, tt.dob))
		})
	}
}

func TestLookupIsConsistent(t *testing.T) {
	m, err := Open(afero.NewMemMapFs(), "", "salt", nil)
	require.NoError(t, err)

	first, method, err := m.Lookup("P1", "SMITH^JOHN", "19700101")
	require.NoError(t, err)
	assert.Equal(t, "ANON-000001", first)
	assert.Equal(t, MatchIdentity, method)

	// Same person under another patient ID and name order.
	again, _, err := m.Lookup("P9", "John Smith", "19700101")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Patient ID fallback when no birth date is known.
	byPID, method, err := m.Lookup("P9", "", "")
	require.NoError(t, err)
	assert.Equal(t, first, byPID)
	assert.Equal(t, MatchPID, method)

	other, _, err := m.Lookup("P2", "DOE^JANE", "19800202")
	require.NoError(t, err)
	assert.Equal(t, "ANON-000002", other)

	nothing, method, err := m.Lookup("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "ANON-000003", nothing)
	assert.Equal(t, MatchNone, method)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalPatients)
	assert.Equal(t, 2, stats.IdentityMatched)
}

func TestMappingPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/data/mapping.json"

	m, err := Open(fs, path, "salt", nil)
	require.NoError(t, err)
	anonID, err := m.Pseudonym(study.Study{ID: "s1", PatientID: "P1", PatientName: "DOE^JOHN", PatientBirthDate: "19700101"})
	require.NoError(t, err)

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())

	reopened, err := Open(fs, path, "salt", nil)
	require.NoError(t, err)
	again, err := reopened.Pseudonym(study.Study{ID: "s2", PatientID: "P1"})
	require.NoError(t, err)
	assert.Equal(t, anonID, again)

	next, err := reopened.Pseudonym(study.Study{ID: "s3", PatientID: "P2"})
	require.NoError(t, err)
	assert.Equal(t, "ANON-000002", next)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mapping.json", []byte("{not json"), 0o600))

	_, err := Open(fs, "/mapping.json", "salt", nil)
	assert.Error(t, err)
}
