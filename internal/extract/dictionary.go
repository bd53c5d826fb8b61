package extract

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Entry is one known entity with its alternate spellings.
type Entry struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Dictionary holds the heuristic layer's vocabulary.
type Dictionary struct {
	Places        []Entry                `yaml:"places"`
	People        []Entry                `yaml:"people"`
	Organizations []Entry                `yaml:"organizations"`
	Schemes       []Entry                `yaml:"schemes"`
	EventKeywords map[EventType][]string `yaml:"event_keywords"`
	Honorifics    []string               `yaml:"honorifics"`
}

// DefaultDictionary returns the built-in Chhattisgarh vocabulary.
func DefaultDictionary() *Dictionary {
	return &Dictionary{
		Places: []Entry{
			{"Raipur", []string{"रायपुर"}},
			{"Bilaspur", []string{"बिलासपुर"}},
			{"Durg", []string{"दुर्ग"}},
			{"Bhilai", []string{"भिलाई"}},
			{"Rajnandgaon", []string{"राजनांदगांव", "राजनांदगाँव"}},
			{"Korba", []string{"कोरबा"}},
			{"Raigarh", []string{"रायगढ़"}},
			{"Jashpur", []string{"जशपुर"}},
			{"Ambikapur", []string{"अंबिकापुर", "अम्बिकापुर"}},
			{"Surguja", []string{"सरगुजा"}},
			{"Jagdalpur", []string{"जगदलपुर"}},
			{"Bastar", []string{"बस्तर"}},
			{"Dantewada", []string{"दंतेवाड़ा"}},
			{"Sukma", []string{"सुकमा"}},
			{"Bijapur", []string{"बीजापुर"}},
			{"Narayanpur", []string{"नारायणपुर"}},
			{"Kanker", []string{"कांकेर"}},
			{"Kondagaon", []string{"कोंडागांव"}},
			{"Dhamtari", []string{"धमतरी"}},
			{"Mahasamund", []string{"महासमुंद"}},
			{"Balod", []string{"बालोद"}},
			{"Bemetara", []string{"बेमेतरा"}},
			{"Kabirdham", []string{"कबीरधाम", "Kawardha", "कवर्धा"}},
			{"Mungeli", []string{"मुंगेली"}},
			{"Janjgir-Champa", []string{"जांजगीर-चांपा", "Janjgir", "जांजगीर"}},
			{"Baloda Bazar", []string{"बलौदाबाजार", "बलौदा बाजार"}},
			{"Gariaband", []string{"गरियाबंद"}},
			{"Kunkuri", []string{"कुनकुरी"}},
			{"Naya Raipur", []string{"नवा रायपुर", "Nava Raipur", "नया रायपुर"}},
			{"Delhi", []string{"दिल्ली", "New Delhi", "नई दिल्ली"}},
			{"Chhattisgarh", []string{"छत्तीसगढ़"}},
		},
		People: []Entry{
			{"Vishnu Deo Sai", []string{"विष्णु देव साय", "विष्णुदेव साय", "Vishnudeo Sai"}},
			{"Narendra Modi", []string{"नरेंद्र मोदी", "PM Modi", "मोदी"}},
			{"Amit Shah", []string{"अमित शाह"}},
			{"Arun Sao", []string{"अरुण साव"}},
			{"Vijay Sharma", []string{"विजय शर्मा"}},
			{"Raman Singh", []string{"रमन सिंह", "डॉ. रमन सिंह"}},
			{"Droupadi Murmu", []string{"द्रौपदी मुर्मू"}},
			{"Bhupesh Baghel", []string{"भूपेश बघेल"}},
		},
		Organizations: []Entry{
			{"BJP", []string{"भाजपा", "Bharatiya Janata Party", "भारतीय जनता पार्टी"}},
			{"Congress", []string{"कांग्रेस", "INC"}},
			{"Government of Chhattisgarh", []string{"छत्तीसगढ़ सरकार", "Chhattisgarh Government", "CG Govt"}},
			{"Collectorate", []string{"कलेक्ट्रेट", "कलेक्टोरेट"}},
			{"Police", []string{"पुलिस"}},
			{"AIIMS", []string{"एम्स"}},
			{"Gram Panchayat", []string{"ग्राम पंचायत"}},
		},
		Schemes: []Entry{
			{"Mahtari Vandan Yojana", []string{"महतारी वंदन योजना", "Mahtari Vandan"}},
			{"PM Awas Yojana", []string{"प्रधानमंत्री आवास योजना", "पीएम आवास योजना", "Pradhan Mantri Awas Yojana"}},
			{"Ayushman Bharat", []string{"आयुष्मान भारत", "आयुष्मान कार्ड"}},
			{"Krishak Unnati Yojana", []string{"कृषक उन्नति योजना"}},
			{"Jal Jeevan Mission", []string{"जल जीवन मिशन"}},
			{"Ujjwala Yojana", []string{"उज्ज्वला योजना"}},
			{"PM Kisan", []string{"पीएम किसान", "किसान सम्मान निधि", "PM-KISAN"}},
		},
		EventKeywords: map[EventType][]string{
			EventBirthdayWishes:     {"birthday", "जन्मदिन", "जन्मदिवस", "जन्म दिवस"},
			EventCondolence:         {"condolence", "passed away", "tribute", "श्रद्धांजलि", "निधन", "शोक", "दिवंगत"},
			EventInauguration:       {"inaugurat", "foundation stone", "लोकार्पण", "उद्घाटन", "शिलान्यास", "भूमिपूजन"},
			EventSchemeAnnouncement: {"scheme", "yojana", "launched", "announce", "योजना", "घोषणा", "शुभारंभ"},
			EventRally:              {"rally", "roadshow", "road show", "रैली", "जनसभा", "रोड शो", "आमसभा"},
			EventInspection:         {"inspect", "review visit", "निरीक्षण", "जायजा"},
			EventMeeting:            {"meeting", "met with", "courtesy call", "बैठक", "मुलाकात", "भेंट", "सौजन्य"},
			EventCeremony:           {"ceremony", "celebration", "festival", "समारोह", "उत्सव", "महोत्सव", "पूजा", "कार्यक्रम"},
		},
		Honorifics: []string{"Shri", "Smt", "Dr", "Hon'ble", "CM", "Minister", "श्री", "श्रीमती", "डॉ", "माननीय", "मुख्यमंत्री", "मंत्री"},
	}
}

// LoadDictionary reads a YAML vocabulary and merges it onto the default one.
// A missing file is an error; an empty path returns the default.
func LoadDictionary(path string) (*Dictionary, error) {
	d := DefaultDictionary()
	if strings.TrimSpace(path) == "" {
		return d, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dictionary %s: %w", path, err)
	}
	var extra Dictionary
	if err := yaml.Unmarshal(b, &extra); err != nil {
		return nil, fmt.Errorf("parsing dictionary %s: %w", path, err)
	}
	d.Merge(&extra)
	return d, nil
}

// Merge appends other's entries. Entries with a known name gain aliases.
func (d *Dictionary) Merge(other *Dictionary) {
	d.Places = mergeEntries(d.Places, other.Places)
	d.People = mergeEntries(d.People, other.People)
	d.Organizations = mergeEntries(d.Organizations, other.Organizations)
	d.Schemes = mergeEntries(d.Schemes, other.Schemes)
	for et, kws := range other.EventKeywords {
		if _, ok := ParseEventType(string(et)); !ok {
			continue
		}
		if d.EventKeywords == nil {
			d.EventKeywords = map[EventType][]string{}
		}
		d.EventKeywords[et] = append(d.EventKeywords[et], kws...)
	}
	d.Honorifics = append(d.Honorifics, other.Honorifics...)
}

func mergeEntries(base, extra []Entry) []Entry {
	index := make(map[string]int, len(base))
	for i, e := range base {
		index[NormalizeKey(e.Name)] = i
	}
	for _, e := range extra {
		if i, ok := index[NormalizeKey(e.Name)]; ok {
			base[i].Aliases = append(base[i].Aliases, e.Aliases...)
			continue
		}
		index[NormalizeKey(e.Name)] = len(base)
		base = append(base, e)
	}
	return base
}

// Aliases maps every normalized spelling to its canonical name.
func (d *Dictionary) Aliases() map[string]string {
	out := map[string]string{}
	for _, group := range [][]Entry{d.Places, d.People, d.Organizations, d.Schemes} {
		for _, e := range group {
			out[NormalizeKey(e.Name)] = e.Name
			for _, a := range e.Aliases {
				out[NormalizeKey(a)] = e.Name
			}
		}
	}
	return out
}

// entryMatcher finds any spelling of one entry.
type entryMatcher struct {
	name string
	re   *regexp.Regexp
}

func compileEntries(entries []Entry) []entryMatcher {
	out := make([]entryMatcher, 0, len(entries))
	for _, e := range entries {
		spellings := append([]string{e.Name}, e.Aliases...)
		if re := termRegexp(spellings, false); re != nil {
			out = append(out, entryMatcher{name: e.Name, re: re})
		}
	}
	return out
}

// termRegexp builds one case-insensitive alternation. Latin terms are
// anchored on word boundaries (only the leading one for stems); Devanagari
// terms match as substrings so that attached suffixes ("रायपुरवासियों")
// still match.
func termRegexp(terms []string, stem bool) *regexp.Regexp {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		q := regexp.QuoteMeta(t)
		if isLatin(t) {
			q = `\b` + q
			if last := rune(t[len(t)-1]); !stem && (unicode.IsLetter(last) || unicode.IsDigit(last)) {
				q += `\b`
			}
		}
		parts = append(parts, q)
	}
	if len(parts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(parts, "|") + `)`)
}

func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
