package gatekeeper

import (
	"fmt"
	"strings"

	"github.com/sablemail/gatekeeper/authres"
	"github.com/sablemail/gatekeeper/dmarc"
	"github.com/sablemail/gatekeeper/greylist"
	"github.com/sablemail/gatekeeper/spf"
)

// Action is the verdict for one message at the end of DATA.
type Action int

const (
	// ActionAccept stores the message and replies 250.
	ActionAccept Action = iota
	// ActionDefer replies 4xx; a legitimate sender will retry.
	ActionDefer
	// ActionReject replies 5xx.
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionDefer:
		return "defer"
	case ActionReject:
		return "reject"
	}
	return "unknown"
}

// Decision is the outcome of the acceptance checks for one message.
type Decision struct {
	Action   Action
	Response Response
	// Reason is a short machine-friendly token for logging.
	Reason string
	// SpamFlag marks an accepted message for an X-Spam-Flag header.
	SpamFlag bool
}

// decideInput collects everything the decision function consults, so
// it can be exercised without a live session.
type decideInput struct {
	Greylist    greylist.Status
	RateOK      bool
	AuthResults authres.Result
}

// decide maps the check results onto a verdict. Hard refusals win over
// deferrals so that a sender with a reject-worthy message is not
// invited to retry; among deferrals, greylisting is reported first
// since its reply tells the sender when to come back.
func decide(policy PolicyConfig, in decideInput) Decision {
	if in.Greylist == greylist.StatusBlacklisted {
		return Decision{
			Action:   ActionReject,
			Response: respReject("Sender is blocked"),
			Reason:   "blacklisted",
		}
	}

	temporary := in.AuthResults.Temporary()
	dmarcPolicy := effectiveDMARCPolicy(in.AuthResults)

	if policy.EnforceDMARC && in.AuthResults.DMARCUsed && in.AuthResults.DMARC.Reject &&
		dmarcPolicy == dmarc.PolicyReject && !temporary {
		return Decision{
			Action: ActionReject,
			Response: Response{
				Code:         CodeTransactionFailed,
				EnhancedCode: ESCPolicyRejection,
				Message:      fmt.Sprintf("Message refused by DMARC policy of %s", in.AuthResults.DMARC.Domain),
			},
			Reason: "dmarc-reject",
		}
	}

	if policy.RejectSPFFail && in.AuthResults.SPF.Result == spf.StatusFail {
		return Decision{
			Action: ActionReject,
			Response: Response{
				Code:         CodeTransactionFailed,
				EnhancedCode: ESCPolicyRejection,
				Message:      "Message refused, SPF check failed",
			},
			Reason: "spf-fail",
		}
	}

	if in.Greylist == greylist.StatusGreylisted {
		return Decision{
			Action:   ActionDefer,
			Response: respDefer("Greylisted, please try again later", ESCGreylisted),
			Reason:   "greylisted",
		}
	}

	if !in.RateOK {
		return Decision{
			Action:   ActionDefer,
			Response: respDefer("Rate limit exceeded, try again later", ESCRateLimited),
			Reason:   "rate-limited",
		}
	}

	if temporary && policy.StrictTempError {
		return Decision{
			Action:   ActionDefer,
			Response: respDefer("Temporary authentication failure, try again later", ESCTempPolicy),
			Reason:   "auth-temperror",
		}
	}

	d := Decision{
		Action:   ActionAccept,
		Response: respOK("", ESCMessageAccepted),
		Reason:   "accepted",
	}
	if policy.Quarantine && in.AuthResults.DMARCUsed && !temporary &&
		in.AuthResults.DMARC.Status == dmarc.StatusFail &&
		dmarcPolicy == dmarc.PolicyQuarantine {
		d.SpamFlag = true
		d.Reason = "quarantined"
	}
	return d
}

// effectiveDMARCPolicy resolves the published policy that applies to
// the message's From domain, honoring sp= for subdomains. PolicyNone
// when no record was found.
func effectiveDMARCPolicy(r authres.Result) dmarc.Policy {
	rec := r.DMARC.Record
	if rec == nil {
		return dmarc.PolicyNone
	}
	isSubdomain := !strings.EqualFold(r.DMARC.Domain, r.FromDomain)
	return rec.EffectivePolicy(isSubdomain)
}
