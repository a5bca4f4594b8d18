// Package call implements call signaling over a shared session document:
// the forward-only status machine, the per-party call flow and the
// listener that surfaces incoming calls.
package call

import "duolink/internal/models"

// transitions lists the status moves a session may make. There are no
// self-transitions and nothing leads out of a terminal status.
var transitions = map[models.CallStatus][]models.CallStatus{
	models.CallStatusIncoming: {models.CallStatusAccepted, models.CallStatusRejected, models.CallStatusEnded},
	models.CallStatusAccepted: {models.CallStatusEnded},
}

// CanTransition reports whether a session in status from may move to to.
func CanTransition(from, to models.CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// mayWrite reports whether a party may drive the session to status. Only the
// callee answers; either party can end.
func mayWrite(s models.CallSession, actorID string, to models.CallStatus) bool {
	switch to {
	case models.CallStatusAccepted, models.CallStatusRejected:
		return actorID == s.CalleeID
	case models.CallStatusEnded:
		return actorID == s.CalleeID || actorID == s.CallerID
	}
	return false
}

// Notice is the message shown to a party whose call was finished by the
// other side.
func Notice(status models.CallStatus) string {
	switch status {
	case models.CallStatusRejected:
		return "The call was rejected."
	case models.CallStatusEnded:
		return "The call has ended."
	}
	return ""
}
