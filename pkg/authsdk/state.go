package authsdk

// Status is the session lifecycle stage.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusRefreshing
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusRefreshing:
		return "refreshing"
	}
	return "unknown"
}

// State is a snapshot of the session. User is non-nil exactly when Status
// is Authenticated or Refreshing. Err is the last failure and is cleared when
// the next operation starts; it can accompany any status.
type State struct {
	Status  Status
	User    *User
	Err     *Error
	Loading bool
}

func (s State) IsAuthenticated() bool {
	return s.User != nil && (s.Status == StatusAuthenticated || s.Status == StatusRefreshing)
}

// Hooks are optional observers. Each runs after the state change it
// reports has been committed and never while the controller holds a lock,
// so a hook may call back into the controller. Close is the exception: it
// waits for background work, which may be the caller.
type Hooks struct {
	OnLoginSuccess    func(User)
	OnLoginError      func(error)
	OnRegisterSuccess func(User)
	OnRegisterError   func(error)
	OnLogoutSuccess   func()
	OnRefreshSuccess  func(TokenRecord)
	OnRefreshError    func(error)
	OnStateChange     func(State)
}
