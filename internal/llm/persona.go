package llm

import (
	"math/rand"
	"regexp"
	"strings"
)

// Persona is the consistent customer identity a simulated customer uses
// across one conversation. Details are mined from a source conversation when
// one is available and filled from realistic pools otherwise.
type Persona struct {
	Name      string
	Email     string
	Phone     string
	OrderID   string
	AccountID string
	Company   string
}

var (
	personaNames = []string{
		"Sarah Chen", "Michael Rodriguez", "Jennifer Williams", "David Park",
		"Amanda Thompson", "James Miller", "Lisa Jackson", "Robert Kim",
		"Maria Garcia", "Thomas Anderson",
	}
	personaEmails = []string{
		"sarah.chen47@gmail.com", "mike.rodriguez.tech@yahoo.com",
		"j.williams2024@outlook.com", "davidp.consulting@protonmail.com",
		"amanda.t.creative@gmail.com",
	}
	personaPhones = []string{
		"(425) 867-2349", "(512) 394-7621", "(617) 283-9405",
		"(303) 756-1892", "(904) 428-3067",
	}
	personaOrderIDs = []string{
		"ORD-2024-7829", "SO-240826-1493", "PO-AUG-5729",
		"REF-240826-8374", "INV-082624-2951",
	}
	personaAccountIDs = []string{
		"ACC-47291", "CUST-83746", "USR-29847", "ID-583729", "ACCT-94726",
	}
	personaCompanies = []string{
		"Brightwell Consulting", "TechFlow Solutions", "Meridian Creative",
		"Peak Performance Partners", "Synthesis Digital",
	}
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(\+?1[-.\s]?)?(\([0-9]{3}\)|[0-9]{3})[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
	nameRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:my name is|i'm|this is|i am)\s+([a-zA-Z]+(?:\s+[a-zA-Z]+)?)`),
		regexp.MustCompile(`(?i)hi,?\s+([a-zA-Z]+(?:\s+[a-zA-Z]+)?)`),
	}
	idRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:order|account|reference|invoice|case)[\s#:]*([a-zA-Z0-9-_]+)`),
		regexp.MustCompile(`#([a-zA-Z0-9-_]{4,})`),
	}
)

// NewPersona builds a persona, preferring details found in sourceConversation
// and falling back to random picks from the pools.
func NewPersona(sourceConversation string) Persona {
	p := Persona{
		Name:      pick(personaNames),
		Email:     pick(personaEmails),
		Phone:     pick(personaPhones),
		OrderID:   pick(personaOrderIDs),
		AccountID: pick(personaAccountIDs),
		Company:   pick(personaCompanies),
	}
	if sourceConversation == "" {
		return p
	}

	if m := emailRe.FindString(sourceConversation); m != "" {
		p.Email = m
	}
	if m := phoneRe.FindString(sourceConversation); m != "" {
		p.Phone = m
	}
	for _, re := range nameRes {
		if m := re.FindStringSubmatch(sourceConversation); m != nil && len(m[1]) > 2 {
			p.Name = strings.TrimSpace(m[1])
			break
		}
	}
	for _, re := range idRes {
		if m := re.FindStringSubmatch(sourceConversation); m != nil && m[1] != "" {
			p.OrderID = m[1]
			break
		}
	}
	return p
}

func pick(pool []string) string {
	return pool[rand.Intn(len(pool))]
}
