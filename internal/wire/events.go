package wire

import "github.com/arcor2-io/arcor2/internal/model"

// Event discriminators originated by the server.
const (
	EvOpenScene    = "OpenScene"
	EvSceneSaved   = "SceneSaved"
	EvSceneClosed  = "SceneClosed"
	EvSceneChanged = "SceneChanged"
	// EvSceneObjectChanged carries the scene id in parentId.
	EvSceneObjectChanged = "SceneObjectChanged"

	EvOpenProject    = "OpenProject"
	EvProjectSaved   = "ProjectSaved"
	EvProjectClosed  = "ProjectClosed"
	EvProjectChanged = "ProjectChanged"
	// EvActionPointChanged carries the project id in parentId.
	EvActionPointChanged = "ActionPointChanged"
	// EvActionChanged and EvOrientationChanged carry the action point id in
	// parentId.
	EvActionChanged            = "ActionChanged"
	EvOrientationChanged       = "OrientationChanged"
	EvLogicItemChanged         = "LogicItemChanged"
	EvProjectParameterChanged  = "ProjectParameterChanged"
	EvOverrideUpdated          = "OverrideUpdated"

	EvChangedObjectTypes = "ChangedObjectTypes"

	EvObjectsLocked   = "ObjectsLocked"
	EvObjectsUnlocked = "ObjectsUnlocked"

	EvShowMainScreen = "ShowMainScreen"
)

// Event discriminators originated by the manager (or the script through it)
// and relayed by the server in arrival order.
const (
	EvPackageChanged    = "PackageChanged"
	EvPackageState      = "PackageState"
	EvActionStateBefore = "ActionStateBefore"
	EvActionStateAfter  = "ActionStateAfter"
	EvProjectException  = "ProjectException"
)

// OpenSceneData announces the newly opened scene to every client.
type OpenSceneData struct {
	Scene model.Scene `json:"scene"`
}

// OpenProjectData announces the newly opened project and its scene.
type OpenProjectData struct {
	Scene   model.Scene   `json:"scene"`
	Project model.Project `json:"project"`
}

// ChangedObjectTypesData carries one delta class of a catalog refresh; the
// event's changeType tells which.
type ChangedObjectTypesData struct {
	ObjectTypes []model.ObjectType `json:"objectTypes"`
}

// LockEventData reports locks acquired or released by one user.
type LockEventData struct {
	Owner     string   `json:"owner"`
	ObjectIDs []string `json:"objectIds"`
}

// Main screens the UI can be sent to.
const (
	ScreenScenesList   = "ScenesList"
	ScreenProjectsList = "ProjectsList"
	ScreenPackagesList = "PackagesList"
)

// ShowMainScreenData tells a UI which listing to display. Highlight
// optionally names an entity to preselect.
type ShowMainScreenData struct {
	What      string `json:"what"`
	Highlight string `json:"highlight,omitempty"`
}

// ActionStateBeforeData is emitted by the script before it executes an
// action. Parameters holds one JSON-encoded value per resolved argument.
type ActionStateBeforeData struct {
	ActionID   string   `json:"actionId"`
	Parameters []string `json:"parameters,omitempty"`
}

// ActionStateAfterData is emitted by the script after an action completes.
// Results holds one JSON-encoded value per flow output.
type ActionStateAfterData struct {
	ActionID string   `json:"actionId"`
	Results  []string `json:"results,omitempty"`
}

// ProjectExceptionData reports a fatal script error. Handled tells whether
// the script raised it through its own error type (an authored failure)
// rather than crashing unexpectedly.
type ProjectExceptionData struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Handled bool   `json:"handled,omitempty"`
}
