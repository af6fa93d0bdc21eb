package engine

import "github.com/rvastories/storyloom/pkg/models"

// Options is the selectable-candidate payload a turn returns when the
// conversation enters a selection stage.
type Options struct {
	Type       models.OptionType
	Candidates []models.Candidate
}

// TurnResult is the engine's answer to one accepted operation: the
// assistant's message plus where the session now stands. Options is set
// when the turn produced candidates to choose from; Story is set when the
// turn completed the session.
type TurnResult struct {
	SessionID string
	Stage     models.Stage
	Status    models.Status
	Message   string
	Options   *Options
	Story     *models.FinalStory
}
