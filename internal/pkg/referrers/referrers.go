// Package referrers turns referrer hostnames into display names and traffic channels.
package referrers

import "strings"

// Channel groups referrers by the kind of site that sent the visit.
type Channel string

const (
	ChannelSearch    Channel = "search"
	ChannelSocial    Channel = "social"
	ChannelCommunity Channel = "community"
	ChannelNews      Channel = "news"
	ChannelEmail     Channel = "email"
	ChannelShortener Channel = "shortener"
	ChannelOther     Channel = "other"
)

type Source struct {
	Name    string
	Channel Channel
}

var knownSources = map[string]Source{
	// Search engines
	"google.com":     {"Google", ChannelSearch},
	"google.co.uk":   {"Google", ChannelSearch},
	"google.de":      {"Google", ChannelSearch},
	"google.fr":      {"Google", ChannelSearch},
	"google.es":      {"Google", ChannelSearch},
	"google.it":      {"Google", ChannelSearch},
	"google.ca":      {"Google", ChannelSearch},
	"google.com.au":  {"Google", ChannelSearch},
	"google.co.jp":   {"Google", ChannelSearch},
	"google.com.br":  {"Google", ChannelSearch},
	"bing.com":       {"Bing", ChannelSearch},
	"duckduckgo.com": {"DuckDuckGo", ChannelSearch},
	"yahoo.com":      {"Yahoo", ChannelSearch},
	"baidu.com":      {"Baidu", ChannelSearch},
	"yandex.ru":      {"Yandex", ChannelSearch},
	"ecosia.org":     {"Ecosia", ChannelSearch},
	"kagi.com":       {"Kagi", ChannelSearch},

	// Social media
	"x.com":           {"X/Twitter", ChannelSocial},
	"twitter.com":     {"X/Twitter", ChannelSocial},
	"t.co":            {"X/Twitter", ChannelSocial},
	"facebook.com":    {"Facebook", ChannelSocial},
	"fb.com":          {"Facebook", ChannelSocial},
	"l.facebook.com":  {"Facebook", ChannelSocial},
	"lm.facebook.com": {"Facebook", ChannelSocial},
	"instagram.com":   {"Instagram", ChannelSocial},
	"l.instagram.com": {"Instagram", ChannelSocial},
	"linkedin.com":    {"LinkedIn", ChannelSocial},
	"lnkd.in":         {"LinkedIn", ChannelSocial},
	"tiktok.com":      {"TikTok", ChannelSocial},
	"pinterest.com":   {"Pinterest", ChannelSocial},
	"reddit.com":      {"Reddit", ChannelSocial},
	"old.reddit.com":  {"Reddit", ChannelSocial},
	"threads.net":     {"Threads", ChannelSocial},
	"bsky.app":        {"Bluesky", ChannelSocial},
	"mastodon.social": {"Mastodon", ChannelSocial},
	"youtube.com":     {"YouTube", ChannelSocial},
	"youtu.be":        {"YouTube", ChannelSocial},
	"snapchat.com":    {"Snapchat", ChannelSocial},
	"discord.com":     {"Discord", ChannelSocial},
	"discordapp.com":  {"Discord", ChannelSocial},
	"whatsapp.com":    {"WhatsApp", ChannelSocial},
	"telegram.org":    {"Telegram", ChannelSocial},
	"t.me":            {"Telegram", ChannelSocial},
	"slack.com":       {"Slack", ChannelSocial},

	// Tech communities
	"news.ycombinator.com": {"Hacker News", ChannelCommunity},
	"hn.algolia.com":       {"Hacker News", ChannelCommunity},
	"lobste.rs":            {"Lobsters", ChannelCommunity},
	"producthunt.com":      {"Product Hunt", ChannelCommunity},
	"indiehackers.com":     {"Indie Hackers", ChannelCommunity},
	"dev.to":               {"DEV Community", ChannelCommunity},
	"hashnode.com":         {"Hashnode", ChannelCommunity},
	"medium.com":           {"Medium", ChannelCommunity},
	"substack.com":         {"Substack", ChannelCommunity},
	"hackernoon.com":       {"HackerNoon", ChannelCommunity},
	"slashdot.org":         {"Slashdot", ChannelCommunity},
	"techcrunch.com":       {"TechCrunch", ChannelCommunity},
	"theverge.com":         {"The Verge", ChannelCommunity},
	"arstechnica.com":      {"Ars Technica", ChannelCommunity},
	"wired.com":            {"Wired", ChannelCommunity},
	"github.com":           {"GitHub", ChannelCommunity},
	"gitlab.com":           {"GitLab", ChannelCommunity},
	"stackoverflow.com":    {"Stack Overflow", ChannelCommunity},
	"quora.com":            {"Quora", ChannelCommunity},

	// News
	"nytimes.com":        {"NY Times", ChannelNews},
	"washingtonpost.com": {"Washington Post", ChannelNews},
	"theguardian.com":    {"The Guardian", ChannelNews},
	"bbc.com":            {"BBC", ChannelNews},
	"bbc.co.uk":          {"BBC", ChannelNews},
	"cnn.com":            {"CNN", ChannelNews},
	"reuters.com":        {"Reuters", ChannelNews},
	"bloomberg.com":      {"Bloomberg", ChannelNews},
	"forbes.com":         {"Forbes", ChannelNews},
	"wsj.com":            {"WSJ", ChannelNews},
	"ft.com":             {"Financial Times", ChannelNews},

	// Email providers (for newsletter clicks)
	"mail.google.com":    {"Gmail", ChannelEmail},
	"outlook.live.com":   {"Outlook", ChannelEmail},
	"outlook.office.com": {"Outlook", ChannelEmail},
	"mail.yahoo.com":     {"Yahoo Mail", ChannelEmail},
	"protonmail.com":     {"Proton Mail", ChannelEmail},
	"mail.proton.me":     {"Proton Mail", ChannelEmail},

	// Link shorteners
	"bit.ly":      {"Bitly", ChannelShortener},
	"tinyurl.com": {"TinyURL", ChannelShortener},
	"goo.gl":      {"Google Links", ChannelShortener},
	"ow.ly":       {"Hootsuite", ChannelShortener},
}
// Classify resolves a referrer hostname. Subdomains of known sites resolve
// to the site, most specific suffix first; unknown hosts keep their name.
func Classify(hostname string) Source {
	hostname = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hostname)), "www.")
	if hostname == "" {
		return Source{}
	}

	for candidate := hostname; candidate != ""; {
		if source, ok := knownSources[candidate]; ok {
			return source
		}
		dot := strings.IndexByte(candidate, '.')
		if dot < 0 {
			break
		}
		candidate = candidate[dot+1:]
	}

	return Source{Name: capitalizeFirst(hostname), Channel: ChannelOther}
}

// FriendlyName returns a human-friendly name for a referrer hostname.
func FriendlyName(hostname string) string {
	return Classify(hostname).Name
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
