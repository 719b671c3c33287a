package search

// stopwords holds common English and French function words.
var stopwords = func() map[string]bool {
	words := []string{
		// English
		"a", "about", "above", "after", "again", "against", "all", "also", "am", "an", "and",
		"any", "are", "as", "at", "be", "because", "been", "before", "being", "below",
		"between", "both", "but", "by", "can", "could", "did", "do", "does", "doing", "done",
		"down", "during", "each", "else", "even", "few", "for", "from", "further", "get",
		"got", "had", "has", "have", "having", "he", "her", "here", "hers", "him", "his",
		"how", "however", "i", "if", "in", "into", "is", "it", "its", "itself", "just",
		"let", "like", "make", "may", "me", "might", "more", "most", "much", "must", "my",
		"no", "nor", "not", "now", "of", "off", "on", "once", "only", "or", "other", "our",
		"ours", "out", "over", "own", "same", "she", "should", "so", "some", "such", "than",
		"that", "the", "their", "theirs", "them", "then", "there", "these", "they", "this",
		"those", "through", "to", "too", "under", "until", "up", "use", "used", "using",
		"very", "was", "we", "were", "what", "when", "where", "which", "while", "who",
		"whom", "why", "will", "with", "would", "yet", "you", "your", "yours",
		// French
		"au", "aux", "avec", "ce", "ces", "cela", "cet", "cette", "comme", "dans", "de",
		"des", "donc", "du", "elle", "elles", "en", "est", "et", "été", "être", "eux",
		"il", "ils", "je", "la", "le", "les", "leur", "leurs", "lui", "mais", "me", "même",
		"mes", "moi", "mon", "ne", "nos", "notre", "nous", "on", "ont", "ou", "où", "par",
		"pas", "peut", "plus", "pour", "qu", "quand", "que", "quel", "quelle", "qui",
		"sa", "sans", "se", "ses", "si", "son", "sont", "sous", "sur", "ta", "te", "tes",
		"toi", "ton", "tous", "tout", "toute", "toutes", "très", "tu", "un", "une", "vos",
		"votre", "vous", "fait", "faire", "avoir", "aussi", "alors", "ça", "ici",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
