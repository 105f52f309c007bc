package nmea

// Sink consumes relevant sentences, CRLF already stripped.
type Sink interface {
	HandleSentence(sentence string)
}

type SinkFunc func(sentence string)

func (f SinkFunc) HandleSentence(sentence string) { f(sentence) }

// Sinks fans a sentence out to every non-nil sink in order.
type Sinks []Sink

func (s Sinks) HandleSentence(sentence string) {
	for _, k := range s {
		if k != nil {
			k.HandleSentence(sentence)
		}
	}
}
