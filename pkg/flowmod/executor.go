package flowmod

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"

	"github.com/flowrelay/flowrelay/pkg/flow"
	"github.com/flowrelay/flowrelay/pkg/llm"
	"github.com/flowrelay/flowrelay/pkg/models"
)

// Repository persists flow definitions with version history.
type Repository interface {
	// GetFlow loads the current definition and its version number.
	GetFlow(ctx context.Context, flowID string) (*flow.Flow, int, error)
	// SaveVersion persists the definition as version, transactionally with
	// a versioned snapshot of the previous definition.
	SaveVersion(ctx context.Context, def *flow.Flow, version int) error
}

// editToolName is the tool the planner model must call with the edit batch.
const editToolName = "apply_flow_edits"

// editToolParams is the planner tool contract.
type editToolParams struct {
	Edits []Edit `json:"edits" jsonschema:"description=Ordered list of flow edits implementing the instruction"`
}

func buildEditSchema() json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
	}
	data, err := json.Marshal(reflector.Reflect(&editToolParams{}))
	if err != nil {
		panic(fmt.Sprintf("flowmod: reflect edit schema: %v", err))
	}
	return data
}

var editTool = llm.Tool{
	Name: editToolName,
	Description: "Apply a batch of structural edits to the conversational flow. " +
		"The batch is atomic: it either fully applies or fully fails.",
	Parameters: buildEditSchema(),
}

// Executor turns a natural-language modification instruction into a
// validated edit batch (via the LLM planner), applies it, and persists a
// new flow version. Execute never returns a Go error: the outcome travels
// in the ActionResult so the feedback loop can report it truthfully.
type Executor struct {
	repo   Repository
	client llm.Client
	logger *slog.Logger
}

// NewExecutor creates a flow-modification executor. logger may be nil.
func NewExecutor(repo Repository, client llm.Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{repo: repo, client: client, logger: logger}
}

// Execute runs one modification instruction against the given flow.
func (x *Executor) Execute(ctx context.Context, flowID, instruction string, isAdmin bool) models.ActionResult {
	if !isAdmin {
		return models.ActionResult{
			Success:     false,
			UserMessage: "Apenas administradores podem modificar o fluxo.",
			Error:       "caller is not admin",
		}
	}

	def, version, err := x.repo.GetFlow(ctx, flowID)
	if err != nil {
		return x.failure("load flow", err)
	}

	batch, err := x.planEdits(ctx, def, instruction)
	if err != nil {
		return x.failure("plan edits", err)
	}

	modified, err := Apply(def, batch)
	if err != nil {
		return x.failure("apply edits", err)
	}

	newVersion := version + 1
	if err := x.repo.SaveVersion(ctx, modified, newVersion); err != nil {
		return x.failure("persist flow version", err)
	}

	x.logger.Info("Flow modified",
		"flow_id", flowID, "version", newVersion, "edits", len(batch))
	return models.ActionResult{
		Success:     true,
		UserMessage: fmt.Sprintf("Modificação aplicada com sucesso (versão %d).", newVersion),
		Data: map[string]any{
			"version": newVersion,
			"edits":   len(batch),
		},
	}
}

// planEdits asks the model to translate the instruction into a concrete
// edit batch over the current definition.
func (x *Executor) planEdits(ctx context.Context, def *flow.Flow, instruction string) ([]Edit, error) {
	defJSON, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal flow definition: %w", err)
	}
	prompt := fmt.Sprintf(
		"You are editing a conversational flow definition.\n\nCurrent definition:\n%s\n\n"+
			"Instruction: %s\n\n"+
			"Call %s with the minimal batch of edits that implements the instruction. "+
			"Node and edge payloads must be complete replacements, not partial patches.",
		defJSON, instruction, editToolName)

	resp, err := x.client.Extract(ctx, prompt, []llm.Tool{editTool})
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("planner returned no tool call")
	}
	call := resp.ToolCalls[0]
	if call.Name != editToolName {
		return nil, fmt.Errorf("planner called unexpected tool %q", call.Name)
	}
	var params editToolParams
	if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
		// Tolerate string-wrapped JSON arguments.
		var wrapped string
		if err2 := json.Unmarshal([]byte(call.Arguments), &wrapped); err2 != nil {
			return nil, fmt.Errorf("decode edit batch: %w", err)
		}
		if err2 := json.Unmarshal([]byte(wrapped), &params); err2 != nil {
			return nil, fmt.Errorf("decode string-wrapped edit batch: %w", err2)
		}
	}
	if len(params.Edits) == 0 {
		return nil, fmt.Errorf("planner returned an empty edit batch")
	}
	return params.Edits, nil
}

func (x *Executor) failure(stage string, err error) models.ActionResult {
	x.logger.Error("Flow modification failed", "stage", stage, "error", err)
	return models.ActionResult{
		Success:     false,
		UserMessage: "Não foi possível aplicar a modificação no fluxo.",
		Error:       fmt.Sprintf("%s: %v", stage, err),
	}
}
