package quest

import (
	"fmt"

	"github.com/ashida/shopquest/internal/domain"
)

// Scripted lines of the quest buddy. The buddy speaks as SpeakerSystem;
// button presses become SpeakerUser lines.

const (
	lineGreeting   = "Hey, are you at the store yet?"
	lineArrivalAck = "I'm here!"

	lineListIntro  = "Alright, here's your shopping list!"
	lineListHeader = "=== Shopping List ==="
	lineListEmpty  = "Your list is empty today, so this'll be a quick trip!"
	lineMapReveal  = "I've put everything on the store map for you."

	lineInquiryPrompt = "Want me to ask the staff about today's deals?"
	lineInquiryYes    = "Yes, ask them!"
	lineInquiryNo     = "No thanks, let's keep moving."
	linePromoOne      = "Good news, there are deals today!"
	linePromoTwo      = "The drinks aisle is on sale, and there's a freebie at the magazine rack!"
	lineInquirySkip   = "Got it, let's get going!"

	lineNotFoundYet = "Not yet? Keep looking, you're close!"

	lineCheckoutOne   = "That's everything picked up! Time to head to the register."
	lineCheckoutTwo   = "A barcode and QR code will show up at the register, have them scanned!"
	lineCheckoutThree = "Once they've scanned you through, hit the \"scan done\" button!"

	lineClosingOne = "Checkout complete! You've earned your reward and points!"
	lineClosingTwo = "The quest isn't over until you're home safe. Take care on the way back!"
)

// recapLine renders one shopping list entry as "[n] name - location".
func recapLine(n int, item domain.QuestItem) string {
	if item.Location == "" {
		return fmt.Sprintf("[%d] %s", n, item.Name)
	}
	return fmt.Sprintf("[%d] %s - %s", n, item.Name, item.Location)
}

// askLine is the find-item prompt for the current item. Re-used verbatim on
// the not-found self-loop so the user is always asked about the same item.
func askLine(item domain.QuestItem) string {
	return fmt.Sprintf("Did you find %q?", item.Name)
}

func foundLine(item domain.QuestItem) string {
	return fmt.Sprintf("Nice work! %q is in the basket!", item.Name)
}

// recapSequence builds the scripted list recap dispatched after arrival.
func recapSequence(items []domain.QuestItem) []domain.Message {
	msgs := []domain.Message{
		domain.SystemMessage(lineListIntro),
	}
	if len(items) == 0 {
		return append(msgs, domain.SystemMessage(lineListEmpty))
	}
	msgs = append(msgs, domain.SystemMessage(lineListHeader))
	for i, item := range items {
		msgs = append(msgs, domain.SystemMessage(recapLine(i+1, item)))
	}
	return append(msgs, domain.SystemMessage(lineMapReveal))
}

func promoSequence(interested bool) []domain.Message {
	if interested {
		return []domain.Message{
			domain.SystemMessage(linePromoOne),
			domain.SystemMessage(linePromoTwo),
		}
	}
	return []domain.Message{domain.SystemMessage(lineInquirySkip)}
}

func checkoutSequence() []domain.Message {
	return []domain.Message{
		domain.SystemMessage(lineCheckoutOne),
		domain.SystemMessage(lineCheckoutTwo),
		domain.SystemMessage(lineCheckoutThree),
	}
}

func closingSequence() []domain.Message {
	return []domain.Message{
		domain.SystemMessage(lineClosingOne),
		domain.SystemMessage(lineClosingTwo),
	}
}
