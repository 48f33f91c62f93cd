package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is the transport to the relationship store. Check answers one
// permission question, Expand lists the users holding a relation on an
// object, and Write applies tuple writes and deletes in one call.
type Client interface {
	Check(ctx context.Context, user, relation, object string) (bool, error)
	Expand(ctx context.Context, object, relation string) ([]string, error)
	Write(ctx context.Context, writes, deletes []Tuple) error
}

// HTTPClient talks to an OpenFGA-compatible HTTP API.
type HTTPClient struct {
	baseURL string
	storeID string
	modelID string
	client  *http.Client
}

// NewHTTPClient creates a client for the store at baseURL. modelID pins an
// authorization model version and may be empty. timeout bounds every call;
// keep it at or below half the breaker's recovery timeout so a guarded call
// cannot outlive the window that would re-probe it.
func NewHTTPClient(baseURL, storeID, modelID string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		storeID: storeID,
		modelID: modelID,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("authz: encode %s request: %w", endpoint, err)
	}

	url := fmt.Sprintf("%s/stores/%s/%s", c.baseURL, c.storeID, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("authz: %s call: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authz: %s returned %d", endpoint, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("authz: decode %s response: %w", endpoint, err)
	}
	return nil
}

type tupleKeyBody struct {
	User     string `json:"user,omitempty"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

func (c *HTTPClient) Check(ctx context.Context, user, relation, object string) (bool, error) {
	body := struct {
		TupleKey             tupleKeyBody `json:"tuple_key"`
		AuthorizationModelID string       `json:"authorization_model_id,omitempty"`
	}{
		TupleKey:             tupleKeyBody{User: user, Relation: relation, Object: object},
		AuthorizationModelID: c.modelID,
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.post(ctx, "check", body, &out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// expandNode mirrors the userset tree returned by the expand API.
type expandNode struct {
	Leaf *struct {
		Users *struct {
			Users []string `json:"users"`
		} `json:"users"`
		Computed *struct {
			Userset string `json:"userset"`
		} `json:"computed"`
	} `json:"leaf"`
	Union *struct {
		Nodes []expandNode `json:"nodes"`
	} `json:"union"`
	Intersection *struct {
		Nodes []expandNode `json:"nodes"`
	} `json:"intersection"`
	Difference *struct {
		Base     *expandNode `json:"base"`
		Subtract *expandNode `json:"subtract"`
	} `json:"difference"`
}

func (n *expandNode) collect(seen map[string]struct{}) {
	if n == nil {
		return
	}
	if n.Leaf != nil {
		if n.Leaf.Users != nil {
			for _, u := range n.Leaf.Users.Users {
				seen[u] = struct{}{}
			}
		}
		if n.Leaf.Computed != nil && n.Leaf.Computed.Userset != "" {
			seen[n.Leaf.Computed.Userset] = struct{}{}
		}
	}
	if n.Union != nil {
		for i := range n.Union.Nodes {
			n.Union.Nodes[i].collect(seen)
		}
	}
	if n.Intersection != nil {
		for i := range n.Intersection.Nodes {
			n.Intersection.Nodes[i].collect(seen)
		}
	}
	if n.Difference != nil {
		n.Difference.Base.collect(seen)
		n.Difference.Subtract.collect(seen)
	}
}

func (c *HTTPClient) Expand(ctx context.Context, object, relation string) ([]string, error) {
	body := struct {
		TupleKey             tupleKeyBody `json:"tuple_key"`
		AuthorizationModelID string       `json:"authorization_model_id,omitempty"`
	}{
		TupleKey:             tupleKeyBody{Relation: relation, Object: object},
		AuthorizationModelID: c.modelID,
	}
	var out struct {
		Tree struct {
			Root expandNode `json:"root"`
		} `json:"tree"`
	}
	if err := c.post(ctx, "expand", body, &out); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	out.Tree.Root.collect(seen)
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	return users, nil
}

func (c *HTTPClient) Write(ctx context.Context, writes, deletes []Tuple) error {
	type tupleKeys struct {
		TupleKeys []Tuple `json:"tuple_keys"`
	}
	body := struct {
		Writes               *tupleKeys `json:"writes,omitempty"`
		Deletes              *tupleKeys `json:"deletes,omitempty"`
		AuthorizationModelID string     `json:"authorization_model_id,omitempty"`
	}{AuthorizationModelID: c.modelID}
	if len(writes) > 0 {
		body.Writes = &tupleKeys{TupleKeys: writes}
	}
	if len(deletes) > 0 {
		body.Deletes = &tupleKeys{TupleKeys: deletes}
	}
	if body.Writes == nil && body.Deletes == nil {
		return nil
	}
	return c.post(ctx, "write", body, nil)
}
