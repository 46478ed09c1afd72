package core

// Timer is one scheduled event. Objects embed a Timer and point Handler at
// a function that receives the embedded timer back.
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

// Handler results.
const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

var (
	timerList   *Timer
	currentTime uint32
)

// ScheduleTimer arms t. Arming races with the dispatch loop running from
// interrupt context, so the list is only touched with interrupts masked.
func ScheduleTimer(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	insertTimer(t)
}

// DeleteTimer disarms t if it is scheduled. Stopping a sensor must ensure
// no further wakeups arrive once the stop command is acknowledged.
func DeleteTimer(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if timerList == t {
		timerList = t.Next
		t.Next = nil
		return
	}
	for cur := timerList; cur != nil; cur = cur.Next {
		if cur.Next == t {
			cur.Next = t.Next
			t.Next = nil
			return
		}
	}
	t.Next = nil
}

// insertTimer adds t in WakeTime order. Caller holds interrupts disabled.
func insertTimer(t *Timer) {
	if timerList == nil || t.WakeTime < timerList.WakeTime {
		t.Next = timerList
		timerList = t
		return
	}

	cur := timerList
	for cur.Next != nil && cur.Next.WakeTime < t.WakeTime {
		cur = cur.Next
	}
	t.Next = cur.Next
	cur.Next = t
}

// TimerDispatch runs every timer due at currentTime.
func TimerDispatch() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for timerList != nil && timerList.WakeTime <= currentTime {
		timer := timerList
		timerList = timer.Next
		timer.Next = nil

		result := timer.Handler(timer)
		if result == SF_RESCHEDULE {
			insertTimer(timer)
		}
	}
}

// timerIsScheduled reports whether t is currently in the list. Test hook.
func timerIsScheduled(t *Timer) bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for cur := timerList; cur != nil; cur = cur.Next {
		if cur == t {
			return true
		}
	}
	return false
}

// resetTimers clears the schedule. Test hook.
func resetTimers() {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	timerList = nil
}
