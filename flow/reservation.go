package flow

// Reservation returns the built-in restaurant reservation flow. The daemon
// uses it for demo sessions and the end-to-end tests drive it verbatim.
func Reservation() *Config {
	return &Config{
		Meta:  Meta{Name: "Restaurant Reservation", Locale: "en-US"},
		Start: "InitialGreeting",
		Intents: map[string]Intent{
			"BOOK": {
				Examples: []string{
					"i would like to make a reservation",
					"book a table",
					"i want to reserve a table",
				},
			},
			"ASK_QUESTION": {
				Examples: []string{
					"what are your opening hours",
					"do you have vegetarian options",
				},
			},
			"PROVIDE_PARTY_SIZE": {
				Examples: []string{
					"we are 4 people",
					"party of 6",
					"just 2 of us",
				},
				Slots: map[string]SlotType{"number": SlotNumber},
			},
			"PROVIDE_DATETIME": {
				Examples: []string{
					"tomorrow at 7pm",
					"next friday at 6pm",
					"2025-03-01 at 19:00",
				},
				Slots: map[string]SlotType{"date": SlotDate, "time": SlotTime},
			},
			"PROVIDE_CONTACT": {
				Examples: []string{
					"my name is john doe phone 555 1234",
					"jane smith 555-867-5309",
				},
				Slots: map[string]SlotType{"name": SlotName, "phone": SlotPhone},
			},
		},
		Tools: map[string]Tool{
			"CheckAvailability": {
				Args: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"date":      map[string]any{"type": "string"},
						"time":      map[string]any{"type": "string"},
						"partySize": map[string]any{"type": "number"},
					},
				},
				Result: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"ok": map[string]any{"type": "boolean"},
					},
				},
				TimeoutMS: 10000,
			},
			"CreateReservation": {
				Args: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"date":      map[string]any{"type": "string"},
						"time":      map[string]any{"type": "string"},
						"partySize": map[string]any{"type": "number"},
						"contact":   map[string]any{"type": "object"},
					},
				},
				Result: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"reservationId": map[string]any{"type": "string"},
					},
				},
				TimeoutMS: 10000,
			},
		},
		States: map[string]State{
			"InitialGreeting": {
				OnEnter: []Action{
					{Ask: "Thank you for calling! How can I help you today?"},
				},
				Transitions: []Transition{
					{OnIntent: StringList{"BOOK"}, To: "CollectPartySize"},
				},
			},
			"CollectPartySize": {
				OnEnter: []Action{
					{Ask: "How many people will be joining us?"},
				},
				Transitions: []Transition{
					{
						OnIntent: StringList{"PROVIDE_PARTY_SIZE"},
						Assign:   map[string]any{"partySize": "{{slot.number}}"},
						Branch: []Branch{
							{When: "{{ctx.partySize}} > 8", To: "TransferToManager"},
							{When: "else", To: "CollectReservationDateTime"},
						},
					},
				},
			},
			"TransferToManager": {
				OnEnter: []Action{
					{Say: "For parties larger than eight, let me connect you with our manager."},
					{Transfer: "+15551234567"},
				},
			},
			"CollectReservationDateTime": {
				OnEnter: []Action{
					{Ask: "What date and time would you like to reserve?"},
				},
				Transitions: []Transition{
					{
						OnIntent: StringList{"PROVIDE_DATETIME"},
						Assign: map[string]any{
							"date": "{{slot.date}}",
							"time": "{{slot.time}}",
						},
						To: "ConfirmAvailability",
					},
				},
			},
			"ConfirmAvailability": {
				OnEnter: []Action{
					{Say: "One moment while I check availability for {{ctx.partySize}} on {{ctx.date}} at {{ctx.time}}."},
					{Tool: &ToolAction{
						Name: "CheckAvailability",
						Args: map[string]any{
							"date":      "{{ctx.date}}",
							"time":      "{{ctx.time}}",
							"partySize": "{{ctx.partySize}}",
						},
					}},
				},
				Transitions: []Transition{
					{
						OnToolResult: "CheckAvailability",
						When:         "{{tool.ok}} == true",
						To:           "CollectContactInformation",
					},
					{
						OnToolResult: "CheckAvailability",
						To:           "AltDateTime",
					},
				},
			},
			"AltDateTime": {
				OnEnter: []Action{
					{Ask: "I'm sorry, that slot is taken. Is there another date and time that works?"},
				},
				Transitions: []Transition{
					{
						OnIntent: StringList{"PROVIDE_DATETIME"},
						Assign: map[string]any{
							"date": "{{slot.date}}",
							"time": "{{slot.time}}",
						},
						To: "ConfirmAvailability",
					},
				},
			},
			"CollectContactInformation": {
				OnEnter: []Action{
					{Ask: "That slot is available! Can I get a name and phone number for the reservation?"},
				},
				Transitions: []Transition{
					{
						OnIntent: StringList{"PROVIDE_CONTACT"},
						Assign: map[string]any{
							"contact.name":  "{{slot.name}}",
							"contact.phone": "{{slot.phone}}",
						},
						To: "CreateBooking",
					},
				},
			},
			"CreateBooking": {
				OnEnter: []Action{
					{Tool: &ToolAction{
						Name: "CreateReservation",
						Args: map[string]any{
							"date":      "{{ctx.date}}",
							"time":      "{{ctx.time}}",
							"partySize": "{{ctx.partySize}}",
							"contact": map[string]any{
								"name":  "{{ctx.contact.name}}",
								"phone": "{{ctx.contact.phone}}",
							},
						},
					}},
				},
				Transitions: []Transition{
					{OnToolResult: "CreateReservation", To: "Goodbye"},
				},
			},
			"Goodbye": {
				OnEnter: []Action{
					{Say: "You're all set for {{ctx.date}} at {{ctx.time}}, party of {{ctx.partySize}}. See you soon!"},
					{Hangup: true},
				},
			},
		},
	}
}
