package runtime

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	UpdateRating      = "rating"
	UpdateFeedback    = "feedback"
	UpdateFunnelStage = "funnel_stage"
	UpdateTeam        = "team"
	UpdateAgent       = "agent"
	UpdateAttribute   = "attribute"
)

type UpdateCustomerNodeConfig struct {
	Action    string `json:"action" validate:"required,oneof=rating feedback funnel_stage team agent attribute"`
	Value     string `json:"value"`
	FunnelID  string `json:"funnelId"`
	StageID   string `json:"stageId" validate:"required_if=Action funnel_stage"`
	TeamID    string `json:"teamId" validate:"required_if=Action team"`
	AgentID   string `json:"agentId" validate:"required_if=Action agent"`
	Attribute string `json:"attribute" validate:"required_if=Action attribute"`
}

func (w *Walker) execUpdateCustomer(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[UpdateCustomerNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}

	if cfg.Action == UpdateAttribute {
		c := exec.Customer
		if c == nil {
			return Outcome{}, fmt.Errorf("update customer attribute: %w", ErrCustomerNotFound)
		}
		if c.Attributes == nil {
			c.Attributes = make(map[string]any)
		}
		c.Attributes[cfg.Attribute] = exec.Interpolate(cfg.Value)
		if err := w.store.SaveCustomer(exec, c); err != nil {
			return Outcome{}, persistenceError(fmt.Errorf("save customer %s: %w", c.ID, err), exec.Session.ID)
		}
		return Continue(), nil
	}

	chat := exec.Chat
	if chat == nil {
		return Outcome{}, fmt.Errorf("update chat %s: %w", cfg.Action, ErrChatNotFound)
	}
	switch cfg.Action {
	case UpdateRating:
		raw := strings.TrimSpace(exec.Interpolate(cfg.Value))
		rating, err := strconv.Atoi(raw)
		if err != nil {
			w.l.WarnContext(exec, "Ignoring non-numeric rating",
				"session_id", exec.Session.ID,
				"node_id", node.ID,
				"value", raw)
			return Continue(), nil
		}
		chat.Rating = &rating
	case UpdateFeedback:
		chat.Feedback = exec.Interpolate(cfg.Value)
	case UpdateFunnelStage:
		if cfg.FunnelID != "" {
			chat.FunnelID = cfg.FunnelID
		}
		chat.FunnelStageID = cfg.StageID
	case UpdateTeam:
		chat.TeamID = cfg.TeamID
	case UpdateAgent:
		chat.AssigneeID = cfg.AgentID
	}
	if err := w.store.SaveChat(exec, chat); err != nil {
		return Outcome{}, persistenceError(fmt.Errorf("save chat %s: %w", chat.ID, err), exec.Session.ID)
	}
	return Continue(), nil
}
