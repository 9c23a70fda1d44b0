// Package sceneclient talks to the Scene service: collision model upkeep,
// mesh focusing for object aiming, end effector poses and line safety
// checks. The server keeps the service's collision world mirroring the open
// scene; everything else is consumed on demand.
package sceneclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/httpx"
	"github.com/arcor2-io/arcor2/internal/model"
)

// Client is the Scene service client.
type Client struct {
	base string
	http *retryablehttp.Client
}

// New builds a scene client for the service at baseURL.
func New(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		base: baseURL,
		http: httpx.NewClient(logger.Named("scene"), 2, httpx.TransientOnly),
	}
}

// collisionBody is the upsert payload: the shape and where it sits.
type collisionBody struct {
	Model model.ObjectModel `json:"model"`
	Pose  model.Pose        `json:"pose"`
}

// UpsertCollision creates or replaces the collision object for one scene
// object id.
func (c *Client) UpsertCollision(ctx context.Context, objectID string, m model.ObjectModel, pose model.Pose) error {
	req, err := httpx.JSONRequest(ctx, http.MethodPut, c.base+"/collisions/"+url.PathEscape(objectID), collisionBody{Model: m, Pose: pose})
	if err != nil {
		return err
	}
	if err := httpx.DoJSON(c.http, req, nil); err != nil {
		return fmt.Errorf("sceneclient: upsert collision %s: %w", objectID, err)
	}
	return nil
}

// DeleteCollision removes the collision object for one scene object id.
// Deleting an id with no collision is not an error.
func (c *Client) DeleteCollision(ctx context.Context, objectID string) error {
	req, err := httpx.JSONRequest(ctx, http.MethodDelete, c.base+"/collisions/"+url.PathEscape(objectID), nil)
	if err != nil {
		return err
	}
	if err := httpx.DoJSON(c.http, req, nil); err != nil && !httpx.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("sceneclient: delete collision %s: %w", objectID, err)
	}
	return nil
}

// ClearCollisions removes every collision object. Called when the scene
// closes so a later session starts from an empty world.
func (c *Client) ClearCollisions(ctx context.Context) error {
	req, err := httpx.JSONRequest(ctx, http.MethodDelete, c.base+"/collisions", nil)
	if err != nil {
		return err
	}
	if err := httpx.DoJSON(c.http, req, nil); err != nil {
		return fmt.Errorf("sceneclient: clear collisions: %w", err)
	}
	return nil
}

// FocusArgs pairs the mesh's reference points with the robot poses recorded
// against them, index for index.
type FocusArgs struct {
	MeshFocusPoints  []model.Pose `json:"meshFocusPoints"`
	RobotSpacePoints []model.Pose `json:"robotSpacePoints"`
}

// Focus computes the pose of a mesh-modelled object from recorded robot
// poses. The two point lists must be equally long and ordered alike.
func (c *Client) Focus(ctx context.Context, args FocusArgs) (model.Pose, error) {
	if len(args.MeshFocusPoints) != len(args.RobotSpacePoints) {
		return model.Pose{}, fmt.Errorf("sceneclient: focus needs matching point counts, got %d and %d",
			len(args.MeshFocusPoints), len(args.RobotSpacePoints))
	}
	req, err := httpx.JSONRequest(ctx, http.MethodPut, c.base+"/utils/focus", args)
	if err != nil {
		return model.Pose{}, err
	}
	var pose model.Pose
	if err := httpx.DoJSON(c.http, req, &pose); err != nil {
		return model.Pose{}, fmt.Errorf("sceneclient: focus: %w", err)
	}
	return pose, nil
}

// EndEffectorPose reads the current pose of a robot end effector.
func (c *Client) EndEffectorPose(ctx context.Context, robot model.RobotArg) (model.Pose, error) {
	u := fmt.Sprintf("%s/robots/%s/endEffectors/%s/pose",
		c.base, url.PathEscape(robot.RobotID), url.PathEscape(robot.EndEffector))
	if robot.ArmID != "" {
		u += "?armId=" + url.QueryEscape(robot.ArmID)
	}
	req, err := httpx.JSONRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Pose{}, err
	}
	var pose model.Pose
	if err := httpx.DoJSON(c.http, req, &pose); err != nil {
		return model.Pose{}, fmt.Errorf("sceneclient: end effector pose: %w", err)
	}
	return pose, nil
}

// lineCheckBody is the safety query payload.
type lineCheckBody struct {
	From model.Position `json:"from"`
	To   model.Position `json:"to"`
}

type lineCheckResult struct {
	Safe bool `json:"safe"`
}

// LineSafe reports whether the straight line between two points is free of
// collision objects.
func (c *Client) LineSafe(ctx context.Context, from, to model.Position) (bool, error) {
	req, err := httpx.JSONRequest(ctx, http.MethodPut, c.base+"/utils/lineCheck", lineCheckBody{From: from, To: to})
	if err != nil {
		return false, err
	}
	var res lineCheckResult
	if err := httpx.DoJSON(c.http, req, &res); err != nil {
		return false, fmt.Errorf("sceneclient: line check: %w", err)
	}
	return res.Safe, nil
}
