package rotation

import "fmt"

// Step is one of the four phases Secrets Manager invokes a rotation function with.
type Step string

const (
	// StepCreate writes a new version holding AWSPENDING.
	StepCreate Step = "createSecret"
	// StepSet applies the pending password to the database.
	StepSet Step = "setSecret"
	// StepTest logs in with the pending credential.
	StepTest Step = "testSecret"
	// StepFinish moves AWSCURRENT to the pending version.
	StepFinish Step = "finishSecret"
)

// Steps lists the phases in the order a rotation runs them.
var Steps = []Step{StepCreate, StepSet, StepTest, StepFinish}

// ParseStep returns the Step named s.
func ParseStep(s string) (Step, error) {
	var step Step
	if err := step.UnmarshalText([]byte(s)); err != nil {
		return "", err
	}
	return step, nil
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	switch step := Step(text); step {
	case StepCreate, StepSet, StepTest, StepFinish:
		*s = step
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStep, text)
	}
}

func (s Step) String() string {
	return string(s)
}

// State is where a pending version stands in its rotation.
type State int

const (
	NoPendingVersion State = iota
	PendingCreated
	PasswordSet
	PasswordTested
	Finished
)

var stateNames = map[State]string{
	NoPendingVersion: "NoPendingVersion",
	PendingCreated:   "PendingCreated",
	PasswordSet:      "PasswordSet",
	PasswordTested:   "PasswordTested",
	Finished:         "Finished",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type transition struct {
	from, to State
}

// transitions is the state each step expects and the state it leaves behind.
var transitions = map[Step]transition{
	StepCreate: {from: NoPendingVersion, to: PendingCreated},
	StepSet:    {from: PendingCreated, to: PasswordSet},
	StepTest:   {from: PasswordSet, to: PasswordTested},
	StepFinish: {from: PasswordTested, to: Finished},
}

// Result is the outcome of one successful step.
type Result struct {
	Step  Step
	State State
	// AlreadyDone is set when the step found its work done and changed nothing.
	AlreadyDone bool
}
