package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"scrumvote/notify"
)

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(strings.TrimSpace(base), "/"),
		token: strings.TrimSpace(token),
		// Actions wait for the receipt server side.
		http: &http.Client{Timeout: 6 * time.Minute},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type candidateView struct {
	Name  string `json:"name"`
	Votes uint64 `json:"votes"`
}

type historyView struct {
	Sequence      int    `json:"sequence"`
	Winner        string `json:"winner"`
	VotesReceived uint64 `json:"votes_received"`
	Text          string `json:"text"`
}

type mirrorView struct {
	Connection struct {
		Account  common.Address `json:"account"`
		ChainID  uint64         `json:"chain_id"`
		Network  string         `json:"network"`
		Accepted bool           `json:"accepted"`
	} `json:"connection"`
	Candidates []candidateView `json:"candidates"`
	Contract   struct {
		ManagerPrimary   common.Address `json:"manager_primary"`
		ManagerSecondary common.Address `json:"manager_secondary"`
		Disabled         bool           `json:"disabled"`
		Winner           string         `json:"winner"`
	} `json:"contract"`
	Voter struct {
		Address   common.Address `json:"address"`
		VotesCast uint64         `json:"votes_cast"`
		IsManager bool           `json:"is_manager"`
	} `json:"voter"`
	LastError string `json:"last_error"`
}

type stateView struct {
	Generation  uint64     `json:"generation"`
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	Mirror      mirrorView `json:"mirror"`
	Permissions struct {
		Vote          bool   `json:"vote"`
		DeclareWinner bool   `json:"declare_winner"`
		Withdraw      bool   `json:"withdraw"`
		Reset         bool   `json:"reset"`
		ChangeOwner   bool   `json:"change_owner"`
		Disable       bool   `json:"disable"`
		Remaining     uint64 `json:"remaining_votes"`
	} `json:"permissions"`
	BalanceEther string `json:"balance_ether"`
}

type actionResult struct {
	Action struct {
		ID     string      `json:"id"`
		Status string      `json:"status"`
		TxHash common.Hash `json:"tx_hash"`
	} `json:"action"`
	Message   string `json:"message"`
	SyncError string `json:"sync_error"`
}

func (c *apiClient) state(ctx context.Context) (stateView, error) {
	var out stateView
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &out)
	return out, err
}

func (c *apiClient) history(ctx context.Context) ([]historyView, error) {
	var out struct {
		History []historyView `json:"history"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/history", nil, &out)
	return out.History, err
}

func (c *apiClient) refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/refresh", nil, nil)
}

func (c *apiClient) useAccount(ctx context.Context, account string) error {
	return c.do(ctx, http.MethodPost, "/v1/account", map[string]string{"account": account}, nil)
}

func (c *apiClient) submit(ctx context.Context, kind string, body map[string]string) (actionResult, error) {
	var out actionResult
	err := c.do(ctx, http.MethodPost, "/v1/actions/"+kind, body, &out)
	return out, err
}

func (c *apiClient) watch(ctx context.Context, fn func(notify.Notification)) error {
	return notify.Watch(ctx, c.base+"/v1/notifications", c.header(), fn)
}

func (c *apiClient) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header = c.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
