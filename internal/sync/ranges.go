package sync

import (
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/model"
)

// uidRange is an inclusive UID interval within one uidvalidity epoch.
type uidRange struct {
	Min uint32
	Max uint32
}

func (r uidRange) set() imap.UIDSet {
	var s imap.UIDSet
	s.AddRange(imap.UID(r.Min), imap.UID(r.Max))
	return s
}

// computeFetchRanges returns the UID ranges one sync run must pull:
//
//   - first sync ever (no FetchedMax): the most recent firstCount
//     messages, [max(1, uidnext-firstCount), uidnext];
//   - otherwise: forward from FetchedMax to uidnext (new mail), and
//     independently backward from FetchedMin by up to batchCount
//     messages when FetchedMin > 1. The backfill's upper bound is
//     FetchedMin-1; a test pins the exact boundary arithmetic.
func computeFetchRanges(st model.SyncState, uidNext uint32, firstCount, batchCount uint32) []uidRange {
	if uidNext == 0 {
		return nil
	}

	if st.FetchedMax == 0 {
		min := uint32(1)
		if uidNext > firstCount {
			min = uidNext - firstCount
		}
		return []uidRange{{Min: min, Max: uidNext}}
	}

	var ranges []uidRange

	if uidNext > st.FetchedMax {
		ranges = append(ranges, uidRange{Min: st.FetchedMax, Max: uidNext})
	}

	if st.FetchedMin > 1 {
		upper := st.FetchedMin - 1
		lower := uint32(1)
		if upper > batchCount {
			lower = upper - batchCount + 1
		}
		ranges = append(ranges, uidRange{Min: lower, Max: upper})
	}

	return ranges
}

// expandSyncState widens the fetched window to cover a fully completed
// range and stamps the uidvalidity it was fetched under. Partial
// ranges never reach here: checkpoints only advance on full success.
func expandSyncState(st model.SyncState, r uidRange, uidValidity uint32, now time.Time) model.SyncState {
	if st.FetchedMin == 0 || r.Min < st.FetchedMin {
		st.FetchedMin = r.Min
	}
	if r.Max > st.FetchedMax {
		st.FetchedMax = r.Max
	}
	st.UIDValidity = uidValidity
	st.TimeFetchedUnseen = now
	return st
}
