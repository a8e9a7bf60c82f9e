// Package ids maps between raw participant identifiers, DICOM-safe
// identifiers, and BIDS-prefixed identifiers and session labels.
package ids

import "strings"

const (
	// BidsPrefix is the subject prefix mandated by the BIDS layout.
	BidsPrefix = "sub-"
	// SessionPrefix is the session prefix mandated by the BIDS layout.
	SessionPrefix = "ses-"
)

// ToDicomID strips every non-alphanumeric rune from a participant
// identifier. Total and idempotent.
func ToDicomID(participantID string) string {
	var b strings.Builder
	b.Grow(len(participantID))
	for _, r := range participantID {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DicomIDToBidsID prepends the sub- prefix unless already present.
func DicomIDToBidsID(dicomID string) string {
	if strings.HasPrefix(dicomID, BidsPrefix) {
		return dicomID
	}
	return BidsPrefix + dicomID
}

// ParticipantIDToBidsID composes ToDicomID and DicomIDToBidsID.
func ParticipantIDToBidsID(participantID string) string {
	return DicomIDToBidsID(ToDicomID(participantID))
}

// NormalizeSession prepends the ses- prefix unless already present.
func NormalizeSession(session string) string {
	if strings.HasPrefix(session, SessionPrefix) {
		return session
	}
	return SessionPrefix + session
}

// StripSession removes the ses- prefix. Exact inverse of
// NormalizeSession for labels that did not already carry the prefix.
func StripSession(session string) string {
	return strings.TrimPrefix(session, SessionPrefix)
}
