package automation

import (
	"math"
	"slices"
	"strconv"
	"time"
)

// AnnounceWindow is how long before the scheduled restart announcements begin.
const AnnounceWindow = 15 * time.Minute

// Marks are the minutes-remaining values that trigger an announcement.
var Marks = []int{15, 12, 9, 6, 3, 0}

// restartState is the daily restart bookkeeping. It is only touched by the
// scheduler loop.
type restartState struct {
	lastExecuted time.Time // calendar day, zero when never
	marksDay     time.Time
	announced    map[int]bool
	inProgress   bool
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (r *restartState) clearMarks() { r.announced = nil }

// arm records today as executed when today's instant has already passed.
func (r *restartState) arm(now, scheduled time.Time) {
	if !now.Before(scheduled) {
		r.lastExecuted = dayOf(now)
	}
}

func (r *restartState) disarm() {
	r.clearMarks()
	r.lastExecuted = time.Time{}
}

// check evaluates one clock tick. announce is the mark to announce or -1.
// begin reports that the restart sequence should start now.
func (r *restartState) check(now, scheduled time.Time) (announce int, begin bool) {
	announce = -1
	today := dayOf(now)
	if !r.marksDay.Equal(today) {
		r.clearMarks()
		r.marksDay = today
	}
	if r.inProgress || r.lastExecuted.Equal(today) {
		return -1, false
	}
	if !now.Before(scheduled.Add(-AnnounceWindow)) && !now.After(scheduled) {
		left := int(math.Ceil(scheduled.Sub(now).Minutes()))
		if left < 0 {
			left = 0
		}
		if slices.Contains(Marks, left) && !r.announced[left] {
			r.mark(left)
			announce = left
		}
	}
	if !now.Before(scheduled) {
		if announce < 0 && !r.announced[0] {
			r.mark(0)
			announce = 0
		}
		r.inProgress = true
		begin = true
	}
	return announce, begin
}

func (r *restartState) mark(n int) {
	if r.announced == nil {
		r.announced = make(map[int]bool, len(Marks))
	}
	r.announced[n] = true
}

// finish records the sequence for day, whether it completed or was aborted,
// so the check does not start another one before the next calendar day.
func (r *restartState) finish(day time.Time) {
	r.inProgress = false
	r.lastExecuted = dayOf(day)
	r.clearMarks()
}

func (r *restartState) marks() []int {
	out := make([]int, 0, len(r.announced))
	for _, m := range Marks {
		if r.announced[m] {
			out = append(out, m)
		}
	}
	return out
}

// AnnouncementText is the message broadcast for a mark.
func AnnouncementText(minutes int) string {
	if minutes <= 0 {
		return "Server is rebooting now"
	}
	return "Server is rebooting in " + strconv.Itoa(minutes) + " minutes"
}
