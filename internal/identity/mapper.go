// Package identity assigns consistent pseudonyms (ANON-000001, ...) to
// patients so that every anonymized study of one patient carries the same
// replacement name and ID.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"orthanc-helper/internal/study"
)

// MatchMethod indicates how a patient was matched.
type MatchMethod string

const (
	MatchIdentity MatchMethod = "identity"
	MatchPID      MatchMethod = "pid"
	MatchNone     MatchMethod = "none"
)

// ReverseMapEntry records what an anonymized ID was derived from.
type ReverseMapEntry struct {
	IdentityHashes []string `json:"identity_hashes"`
	PatientIDs     []string `json:"patient_ids"`
}

// mappingFile is the JSON layout of the persisted mapping.
type mappingFile struct {
	IdentityMap map[string]string           `json:"identity_map"`
	PIDMap      map[string]string           `json:"pid_map"`
	ReverseMap  map[string]*ReverseMapEntry `json:"reverse_map"`
	Counter     int                         `json:"counter"`
	Updated     string                      `json:"updated"`
}

// Mapper hands out pseudonyms and persists them to a JSON file. A Mapper with
// no path keeps its mapping in memory only.
type Mapper struct {
	mu          sync.Mutex
	fs          afero.Fs
	path        string
	salt        string
	log         *zap.Logger
	identityMap map[string]string // identity hash -> pseudonym
	pidMap      map[string]string // patient ID -> pseudonym
	reverseMap  map[string]*ReverseMapEntry
	counter     int
}

// Open loads the mapping stored at path, or starts an empty one if the file
// does not exist yet. A corrupt file is an error rather than a silent reset,
// which would hand out duplicate pseudonyms.
func Open(afs afero.Fs, path, salt string, log *zap.Logger) (*Mapper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mapper{
		fs:          afs,
		path:        path,
		salt:        salt,
		log:         log.Named("identity"),
		identityMap: make(map[string]string),
		pidMap:      make(map[string]string),
		reverseMap:  make(map[string]*ReverseMapEntry),
	}
	if path == "" {
		return m, nil
	}

	data, err := afero.ReadFile(afs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}

	var stored mappingFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file %s: %w", path, err)
	}
	if stored.IdentityMap != nil {
		m.identityMap = stored.IdentityMap
	}
	if stored.PIDMap != nil {
		m.pidMap = stored.PIDMap
	}
	if stored.ReverseMap != nil {
		m.reverseMap = stored.ReverseMap
	}
	m.counter = stored.Counter

	m.log.Debug("mapping loaded", zap.String("path", path), zap.Int("patients", len(m.reverseMap)))
	return m, nil
}

// Pseudonym returns the pseudonym of the study's patient, creating one if the
// patient is new. Name plus birth date identify the patient when both are
// real values; otherwise the patient ID is used.
func (m *Mapper) Pseudonym(s study.Study) (string, error) {
	anonID, method, err := m.Lookup(s.PatientID, s.PatientName, s.PatientBirthDate)
	if err != nil {
		return "", err
	}
	m.log.Debug("pseudonym assigned",
		zap.String("study", s.ID),
		zap.String("pseudonym", anonID),
		zap.String("match", string(method)),
	)
	return anonID, nil
}

// Lookup gets or creates the pseudonym for a patient.
func (m *Mapper) Lookup(patientID, patientName, birthDate string) (string, MatchMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	patientID = strings.TrimSpace(patientID)
	patientName = strings.TrimSpace(patientName)
	birthDate = strings.TrimSpace(birthDate)

	if IsValidIdentity(patientName, birthDate) {
		hash := IdentityHash(patientName, birthDate, m.salt)

		if anonID, ok := m.identityMap[hash]; ok {
			if patientID != "" {
				if _, known := m.pidMap[patientID]; !known {
					m.pidMap[patientID] = anonID
					m.link(anonID, "", patientID)
					return anonID, MatchIdentity, m.save()
				}
			}
			return anonID, MatchIdentity, nil
		}

		// Known patient ID, first time with a usable identity.
		if anonID, ok := m.pidMap[patientID]; ok && patientID != "" {
			m.identityMap[hash] = anonID
			m.link(anonID, hash, patientID)
			return anonID, MatchIdentity, m.save()
		}

		anonID := m.next()
		m.identityMap[hash] = anonID
		if patientID != "" {
			m.pidMap[patientID] = anonID
		}
		m.link(anonID, hash, patientID)
		return anonID, MatchIdentity, m.save()
	}

	if patientID != "" {
		if anonID, ok := m.pidMap[patientID]; ok {
			return anonID, MatchPID, nil
		}
		anonID := m.next()
		m.pidMap[patientID] = anonID
		m.link(anonID, "", patientID)
		return anonID, MatchPID, m.save()
	}

	// Nothing to match on: every call is a new patient.
	anonID := m.next()
	return anonID, MatchNone, m.save()
}

// Stats summarizes the mapping.
type Stats struct {
	TotalPatients   int
	IdentityMatched int
	PIDFallback     int
}

// Stats returns mapping statistics.
func (m *Mapper) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromIdentity := make(map[string]bool, len(m.identityMap))
	for _, v := range m.identityMap {
		fromIdentity[v] = true
	}
	pidOnly := 0
	for _, v := range m.pidMap {
		if !fromIdentity[v] {
			pidOnly++
		}
	}
	return Stats{
		TotalPatients:   len(m.reverseMap),
		IdentityMatched: len(m.identityMap),
		PIDFallback:     pidOnly,
	}
}

func (m *Mapper) next() string {
	m.counter++
	return fmt.Sprintf("ANON-%06d", m.counter)
}

func (m *Mapper) link(anonID, hash, patientID string) {
	entry := m.reverseMap[anonID]
	if entry == nil {
		entry = &ReverseMapEntry{IdentityHashes: []string{}, PatientIDs: []string{}}
		m.reverseMap[anonID] = entry
	}
	if hash != "" && !contains(entry.IdentityHashes, hash) {
		entry.IdentityHashes = append(entry.IdentityHashes, hash)
	}
	if patientID != "" && !contains(entry.PatientIDs, patientID) {
		entry.PatientIDs = append(entry.PatientIDs, patientID)
	}
}

func (m *Mapper) save() error {
	if m.path == "" {
		return nil
	}
	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create mapping directory: %w", err)
	}

	data, err := json.MarshalIndent(mappingFile{
		IdentityMap: m.identityMap,
		PIDMap:      m.pidMap,
		ReverseMap:  m.reverseMap,
		Counter:     m.counter,
		Updated:     time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}
	// The mapping links pseudonyms back to real patients.
	if err := afero.WriteFile(m.fs, m.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save mapping file %s: %w", m.path, err)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
