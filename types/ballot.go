package types

// Choice is a law referendum answer.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

// Valid reports whether the choice is one of the two referendum answers.
func (c Choice) Valid() bool {
	return c == ChoiceYes || c == ChoiceNo
}

func (c Choice) String() string {
	return string(c)
}

// Method is the voting method of a candidate election.
type Method string

const (
	MethodSingle Method = "single"
	MethodRanked Method = "ranked"
)

// Valid reports whether the method is a known voting method.
func (m Method) Valid() bool {
	return m == MethodSingle || m == MethodRanked
}

func (m Method) String() string {
	return string(m)
}

// MaxBallotIDLength is the maximum accepted length of a referendum ballot
// identifier.
const MaxBallotIDLength = 50

// FieldError reports a shape violation on a named field. The ingestion API
// surfaces it to clients as a 400 body carrying both the message and the
// offending field.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Msg
}
