package rate

// Window is a rate-limit accounting period.
type Window int

const (
	Minute Window = iota
	Hour
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return "unknown"
	}
}

// Headers names the response headers the cloud uses to report its budget.
type Headers struct {
	Limit      string
	Remaining  string
	RetryAfter string
}

// StandardHeaders is the X-RateLimit-* convention plus Retry-After.
func StandardHeaders() Headers {
	return Headers{
		Limit:      "X-RateLimit-Limit",
		Remaining:  "X-RateLimit-Remaining",
		RetryAfter: "Retry-After",
	}
}

// Declaration describes the budget for one cloud account.
type Declaration struct {
	account string
	limits  map[Window]int
	headers Headers
}

func Account(name string) Declaration {
	return Declaration{account: name}
}

func (d Declaration) AccountName() string {
	return d.account
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}
