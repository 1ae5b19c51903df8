package i18n

// Strings holds the localized text the bot sends to subscribers.
//
// Reply strings are pre-escaped for Telegram MarkdownV2: the literal
// characters - . ! ( ) are backslash-escaped, while * is left intact where
// it delimits an intentional bold run. Dynamic values interpolated into
// the %s templates must be escaped by the caller before formatting.
//
// DigestTitle, TranslationUnavailable, and WelcomeIntro are plain text;
// they pass through the digest formatter, which escapes them.
type Strings struct {
	DigestTitle string

	Welcome            string
	SubscribeConfirmed string
	AlreadySubscribed  string
	Resubscribed       string
	Unsubscribed       string
	NotSubscribed      string
	StatusActive       string // %s = language native name, %s = first-subscribed date
	StatusInactive     string
	StatusActiveCount  string // admin suffix, %s = total active count
	LanguageSet        string // %s = language native name
	UnknownLanguage    string // %s = list of supported codes

	TranslationUnavailable string
	WelcomeIntro           string
}

var catalog = map[string]Strings{
	"en": {
		DigestTitle: "News Digest",

		Welcome: "*Welcome\\!* I deliver a summarized news digest twice a day\\.\n\n" +
			"Commands:\n" +
			"/subscribe \\- receive the digest\n" +
			"/unsubscribe \\- stop receiving it\n" +
			"/status \\- show your subscription\n" +
			"/language \\<code\\> \\- change language",
		SubscribeConfirmed: "*Subscribed\\!* You will receive the next digest\\.",
		AlreadySubscribed:  "You are already subscribed\\.",
		Resubscribed:       "*Welcome back\\!* Your subscription is active again\\.",
		Unsubscribed:       "You are unsubscribed\\. Send /subscribe to come back any time\\.",
		NotSubscribed:      "You are not subscribed\\. Send /subscribe to get the digest\\.",
		StatusActive:       "Subscription: *active*\nLanguage: %s\nSubscriber since: %s",
		StatusInactive:     "Subscription: *inactive*\nSend /subscribe to reactivate\\.",
		StatusActiveCount:  "\n\nActive subscribers: %s",
		LanguageSet:        "Language set to %s\\.",
		UnknownLanguage:    "Unsupported language\\. Available codes: %s",

		TranslationUnavailable: "[Note: translation unavailable. Sending in English.]\n\n",
		WelcomeIntro:           "Here is the most recent digest to get you started:\n\n",
	},
	"es": {
		DigestTitle: "Resumen de Noticias",

		Welcome: "*¡Bienvenido\\!* Envío un resumen de noticias dos veces al día\\.\n\n" +
			"Comandos:\n" +
			"/subscribe \\- recibir el resumen\n" +
			"/unsubscribe \\- dejar de recibirlo\n" +
			"/status \\- ver tu suscripción\n" +
			"/language \\<código\\> \\- cambiar idioma",
		SubscribeConfirmed: "*¡Suscrito\\!* Recibirás el próximo resumen\\.",
		AlreadySubscribed:  "Ya estás suscrito\\.",
		Resubscribed:       "*¡Bienvenido de nuevo\\!* Tu suscripción está activa otra vez\\.",
		Unsubscribed:       "Te has dado de baja\\. Envía /subscribe para volver cuando quieras\\.",
		NotSubscribed:      "No estás suscrito\\. Envía /subscribe para recibir el resumen\\.",
		StatusActive:       "Suscripción: *activa*\nIdioma: %s\nSuscriptor desde: %s",
		StatusInactive:     "Suscripción: *inactiva*\nEnvía /subscribe para reactivarla\\.",
		StatusActiveCount:  "\n\nSuscriptores activos: %s",
		LanguageSet:        "Idioma cambiado a %s\\.",
		UnknownLanguage:    "Idioma no soportado\\. Códigos disponibles: %s",

		TranslationUnavailable: "[Nota: la traducción no está disponible. Enviando en inglés.]\n\n",
		WelcomeIntro:           "Aquí tienes el resumen más reciente para empezar:\n\n",
	},
}

// For returns the strings for code, falling back to the canonical language
// when the code has no catalog entry.
func For(code string) Strings {
	if s, ok := catalog[code]; ok {
		return s
	}
	return catalog[Canonical().Code]
}
