// Package sessionsrv declares the messages served by the session service.
package sessionsrv

import "time"

const ServiceName = "sessionsrv"

// AccountGet fetches one account by name.
type AccountGet struct {
	Name string `json:"name"`
}

func (AccountGet) MessageType() string { return "sessionsrv.AccountGet" }

func (m AccountGet) RouteKey() []byte { return []byte(m.Name) }

// AccountGetID fetches one account by id.
type AccountGetID struct {
	ID string `json:"id"`
}

func (AccountGetID) MessageType() string { return "sessionsrv.AccountGetId" }

func (m AccountGetID) RouteKey() []byte { return []byte(m.ID) }

// AccountCreate creates an account. Names are unique.
type AccountCreate struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (AccountCreate) MessageType() string { return "sessionsrv.AccountCreate" }

func (m AccountCreate) RouteKey() []byte { return []byte(m.Name) }

// AccountList lists all accounts. It has no natural key.
type AccountList struct {
	Limit int `json:"limit,omitempty"`
}

func (AccountList) MessageType() string { return "sessionsrv.AccountList" }

// Account is the reply to AccountGet, AccountGetID and AccountCreate.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Account) MessageType() string { return "sessionsrv.Account" }

// AccountListReply is the reply to AccountList.
type AccountListReply struct {
	Accounts []Account `json:"accounts"`
}

func (AccountListReply) MessageType() string { return "sessionsrv.AccountListReply" }
