package event

// hangupCause maps Q.850 hangup cause codes reported by the PBX to a short
// name and human-readable description. Unknown codes fall back to code 0.
var hangupCause = map[int]struct {
	Name        string
	Description string
}{
	0:   {"unknown", "Unknown or no cause provided"},
	16:  {"normal_clearing", "The call was hung up normally by one of the parties"},
	17:  {"user_busy", "The destination was busy"},
	18:  {"no_answer", "The destination did not answer"},
	19:  {"no_answer", "The destination did not answer within the timeout"},
	21:  {"call_rejected", "The call was rejected by the destination"},
	31:  {"normal_unspecified", "Normal call clearing, unspecified cause"},
	34:  {"congestion", "All circuits are busy or no circuit is available"},
	127: {"interworking", "An interworking error occurred"},
}

// CauseName returns the short name for a hangup cause code.
func CauseName(code int) string {
	if c, ok := hangupCause[code]; ok {
		return c.Name
	}
	return hangupCause[0].Name
}

// CauseDescription returns the human-readable description for a hangup
// cause code.
func CauseDescription(code int) string {
	if c, ok := hangupCause[code]; ok {
		return c.Description
	}
	return hangupCause[0].Description
}
