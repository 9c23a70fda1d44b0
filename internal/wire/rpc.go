package wire

import (
	"github.com/arcor2-io/arcor2/internal/model"
)

// RPC discriminators served by the server itself.
const (
	RPCRegisterUser = "RegisterUser"

	RPCListScenes      = "ListScenes"
	RPCListProjects    = "ListProjects"
	RPCGetScene        = "GetScene"
	RPCGetObjectTypes  = "GetObjectTypes"
	RPCGetActions      = "GetActions"
	RPCObjectTypeUsage = "ObjectTypeUsage"

	RPCNewScene          = "NewScene"
	RPCOpenScene         = "OpenScene"
	RPCSaveScene         = "SaveScene"
	RPCCloseScene        = "CloseScene"
	RPCDeleteScene       = "DeleteScene"
	RPCRenameScene       = "RenameScene"
	RPCAddObjectToScene  = "AddObjectToScene"
	RPCUpdateObjectPose  = "UpdateObjectPose"
	RPCRenameObject      = "RenameObject"
	RPCRemoveFromScene   = "RemoveFromScene"

	RPCNewProject                 = "NewProject"
	RPCOpenProject                = "OpenProject"
	RPCSaveProject                = "SaveProject"
	RPCCloseProject               = "CloseProject"
	RPCDeleteProject              = "DeleteProject"
	RPCRenameProject              = "RenameProject"
	RPCAddActionPoint             = "AddActionPoint"
	RPCUpdateActionPointPosition  = "UpdateActionPointPosition"
	RPCRenameActionPoint          = "RenameActionPoint"
	RPCRemoveActionPoint          = "RemoveActionPoint"
	RPCAddActionPointOrientation  = "AddActionPointOrientation"
	RPCRemoveActionPointOrientation = "RemoveActionPointOrientation"
	RPCAddAction                  = "AddAction"
	RPCUpdateAction               = "UpdateAction"
	RPCRenameAction               = "RenameAction"
	RPCRemoveAction               = "RemoveAction"
	RPCAddLogicItem               = "AddLogicItem"
	RPCUpdateLogicItem            = "UpdateLogicItem"
	RPCRemoveLogicItem            = "RemoveLogicItem"
	RPCAddProjectParameter        = "AddProjectParameter"
	RPCUpdateProjectParameter     = "UpdateProjectParameter"
	RPCRemoveProjectParameter     = "RemoveProjectParameter"
	RPCAddOverride                = "AddOverride"
	RPCUpdateOverride             = "UpdateOverride"
	RPCDeleteOverride             = "DeleteOverride"

	RPCNewObjectType    = "NewObjectType"
	RPCDeleteObjectType = "DeleteObjectType"

	RPCWriteLock   = "WriteLock"
	RPCWriteUnlock = "WriteUnlock"
	RPCReadLock    = "ReadLock"
	RPCReadUnlock  = "ReadUnlock"
	RPCUpdateLock  = "UpdateLock"

	RPCObjectAimingStart    = "ObjectAimingStart"
	RPCObjectAimingAddPoint = "ObjectAimingAddPoint"
	RPCObjectAimingDone     = "ObjectAimingDone"
	RPCObjectAimingCancel   = "ObjectAimingCancel"
)

// Execution RPC discriminators. The server forwards these to the manager
// verbatim; the manager serves them to any of its peers.
const (
	RPCBuildProject  = "BuildProject"
	RPCRunPackage    = "RunPackage"
	RPCStopPackage   = "StopPackage"
	RPCPausePackage  = "PausePackage"
	RPCResumePackage = "ResumePackage"
	RPCPackageState  = "PackageState"
	RPCListPackages  = "ListPackages"
	RPCUploadPackage = "UploadPackage"
	RPCDeletePackage = "DeletePackage"
	RPCRenamePackage = "RenamePackage"
	RPCPackageInfo   = "PackageInfo"
)

// ExecutionRPCs is the shared discriminator set the server proxies to the
// manager.
var ExecutionRPCs = map[string]struct{}{
	RPCBuildProject:  {},
	RPCRunPackage:    {},
	RPCStopPackage:   {},
	RPCPausePackage:  {},
	RPCResumePackage: {},
	RPCPackageState:  {},
	RPCListPackages:  {},
	RPCUploadPackage: {},
	RPCDeletePackage: {},
	RPCRenamePackage: {},
	RPCPackageInfo:   {},
}

// IsExecutionRPC reports whether name belongs to the manager's RPC surface.
func IsExecutionRPC(name string) bool {
	_, ok := ExecutionRPCs[name]
	return ok
}

// Lock kinds accepted by UpdateLock.
const (
	LockWrite = "WRITE"
	LockTree  = "TREE"
)

// IDArgs is the shared argument shape of RPCs addressing one entity by id.
type IDArgs struct {
	ID string `json:"id"`
}

// IDData is the shared response payload of RPCs that create an entity.
type IDData struct {
	ID string `json:"id"`
}

// RenameArgs is the shared argument shape of all rename RPCs.
type RenameArgs struct {
	ID      string `json:"id"`
	NewName string `json:"newName"`
}

// CloseArgs forces closing an entity with unsaved changes when Force is set.
type CloseArgs struct {
	Force bool `json:"force,omitempty"`
}

type RegisterUserArgs struct {
	UserName string `json:"userName"`
}

type NewSceneArgs struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type AddObjectToSceneArgs struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Pose       *model.Pose       `json:"pose,omitempty"`
	Parameters []model.Parameter `json:"parameters,omitempty"`
}

type UpdateObjectPoseArgs struct {
	ObjectID string     `json:"objectId"`
	Pose     model.Pose `json:"pose"`
}

type RemoveFromSceneArgs struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

type NewProjectArgs struct {
	SceneID     string `json:"sceneId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	HasLogic    bool   `json:"hasLogic"`
}

type AddActionPointArgs struct {
	Name     string         `json:"name"`
	Position model.Position `json:"position"`
	Parent   string         `json:"parent,omitempty"`
}

type UpdateActionPointPositionArgs struct {
	ActionPointID string         `json:"actionPointId"`
	NewPosition   model.Position `json:"newPosition"`
}

type AddActionPointOrientationArgs struct {
	ActionPointID string            `json:"actionPointId"`
	Orientation   model.Orientation `json:"orientation"`
	Name          string            `json:"name"`
}

type AddActionArgs struct {
	ActionPointID string                  `json:"actionPointId"`
	Name          string                  `json:"name"`
	Type          string                  `json:"type"`
	Parameters    []model.ActionParameter `json:"parameters,omitempty"`
	Flows         []model.Flow            `json:"flows,omitempty"`
}

type UpdateActionArgs struct {
	ActionID   string                  `json:"actionId"`
	Parameters []model.ActionParameter `json:"parameters,omitempty"`
	Flows      []model.Flow            `json:"flows,omitempty"`
}

type AddLogicItemArgs struct {
	Start     string           `json:"start"`
	End       string           `json:"end"`
	Condition *model.Condition `json:"condition,omitempty"`
}

type UpdateLogicItemArgs struct {
	LogicItemID string           `json:"logicItemId"`
	Start       string           `json:"start"`
	End         string           `json:"end"`
	Condition   *model.Condition `json:"condition,omitempty"`
}

type AddProjectParameterArgs struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type UpdateProjectParameterArgs struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// OverrideArgs serves AddOverride and UpdateOverride: ID is the scene object
// id, Override the parameter to replace.
type OverrideArgs struct {
	ID       string          `json:"id"`
	Override model.Parameter `json:"override"`
}

type DeleteOverrideArgs struct {
	ID            string `json:"id"`
	ParameterName string `json:"parameterName"`
}

type NewObjectTypeArgs struct {
	ObjectType model.ObjectType `json:"objectType"`
}

type GetActionsArgs struct {
	Type string `json:"type"`
}

// ObjectTypeUsageData lists the scenes that instantiate an object type.
type ObjectTypeUsageData struct {
	SceneIDs []string `json:"sceneIds"`
}

// ListScenesData answers the ListScenes RPC with the catalog listing.
type ListScenesData struct {
	Scenes []model.IDDesc `json:"scenes"`
}

// ListProjectsData answers the ListProjects RPC with the catalog listing.
type ListProjectsData struct {
	Projects []model.IDDesc `json:"projects"`
}

// GetSceneData answers the GetScene RPC with the full scene.
type GetSceneData struct {
	Scene model.Scene `json:"scene"`
}

// GetObjectTypesData answers GetObjectTypes with the resolved type graph.
type GetObjectTypesData struct {
	ObjectTypes []model.ObjectType `json:"objectTypes"`
}

// GetActionsData answers GetActions with the resolved action list of a type.
type GetActionsData struct {
	Actions []model.ActionMeta `json:"actions"`
}

type WriteLockArgs struct {
	ObjectID string `json:"objectId"`
	LockTree bool   `json:"lockTree,omitempty"`
}

type LockArgs struct {
	ObjectID string `json:"objectId"`
}

type UpdateLockArgs struct {
	ObjectID string `json:"objectId"`
	NewType  string `json:"newType"`
}

type ObjectAimingStartArgs struct {
	ObjectID string         `json:"objectId"`
	Robot    model.RobotArg `json:"robot"`
}

type ObjectAimingAddPointArgs struct {
	PointIdx int `json:"pointIdx"`
}

// ObjectAimingAddPointData reports capture progress back to the caller.
type ObjectAimingAddPointData struct {
	FinishedIndexes []int `json:"finishedIndexes"`
}

type BuildProjectArgs struct {
	ProjectID   string `json:"projectId"`
	PackageName string `json:"packageName"`
}

type RunPackageArgs struct {
	ID          string   `json:"id"`
	Breakpoints []string `json:"breakpoints,omitempty"`
	StartPaused bool     `json:"startPaused,omitempty"`
}

// UploadPackageArgs carries a zip archive as base64 in Data.
type UploadPackageArgs struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data string `json:"data"`
}

// PackageStateData answers the PackageState RPC and rides the PackageState
// event. ActionPointID is set only when the script paused on a breakpoint.
type PackageStateData struct {
	PackageID     string             `json:"packageId,omitempty"`
	State         model.PackageState `json:"state"`
	ActionPointID string             `json:"actionPointId,omitempty"`
}

// ListPackagesData answers the ListPackages RPC.
type ListPackagesData struct {
	Packages []model.PackageSummary `json:"packages"`
}

// PackageInfoData answers the PackageInfo RPC.
type PackageInfoData struct {
	model.PackageSummary
	SceneID string `json:"sceneId,omitempty"`
}
