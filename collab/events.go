package collab

// Event names on the wire. They match what the letter editor client emits
// and listens for.
const (
	EventJoin           = "joinLetter"
	EventRequestCatchUp = "requestLatestContent"
	EventEdit           = "updateLetter"
	EventLeave          = "leaveLetter"

	EventUpdate         = "receiveUpdate"
	EventCatchUpContent = "latestContent"
	EventSaved          = "savedToDrive"
	EventSaveFailed     = "autoSaveFailed"
	EventUnmirrored     = "removedFromDrive"
	EventError          = "letterError"
)

type (
	EditPayload struct {
		LetterID string `json:"letterId"`
		Content  string `json:"content"`
	}

	ErrorPayload struct {
		LetterID string `json:"letterId,omitempty"`
		Error    string `json:"error"`
	}

	// SaveFailure is sent to every participant when a mirror step fails.
	// Stage is "delete" or "create".
	SaveFailure struct {
		LetterID string `json:"letterId"`
		Stage    string `json:"stage"`
		Error    string `json:"error"`
	}

	SaveResult struct {
		LetterID    string `json:"letterId"`
		ExternalRef string `json:"externalRef"`
		URL         string `json:"url,omitempty"`
	}

	UnmirrorResult struct {
		LetterID    string `json:"letterId"`
		ExternalRef string `json:"externalRef"`
	}
)
